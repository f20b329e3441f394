package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/jobu/internal/config"
	"github.com/fairyhunter13/jobu/internal/cronx"
	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/store"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Runner *dbx.Runner
	St     *store.Store
	DBs    []*dbx.Database
}

// NewServer constructs the admin HTTP server.
func NewServer(cfg config.Config, runner *dbx.Runner, st *store.Store, dbs []*dbx.Database) *Server {
	return &Server{Cfg: cfg, Runner: runner, St: st, DBs: dbs}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type cronRequest struct {
	Name           string          `json:"name" validate:"required,max=255"`
	Description    string          `json:"description"`
	CronExpression string          `json:"cron_expression" validate:"required"`
	HandlerName    string          `json:"handler_name" validate:"required,max=255"`
	HandlerParams  json.RawMessage `json:"handler_params"`
	IsEnabled      *bool           `json:"is_enabled"`
	AllowOverlap   *bool           `json:"allow_overlap"`
	MaxRetry       int             `json:"max_retry" validate:"min=0,max=10"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"omitempty,min=60,max=86400"`
}

type cronResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	CronExpression string          `json:"cron_expression"`
	HandlerName    string          `json:"handler_name"`
	HandlerParams  json.RawMessage `json:"handler_params"`
	IsEnabled      bool            `json:"is_enabled"`
	AllowOverlap   bool            `json:"allow_overlap"`
	MaxRetry       int             `json:"max_retry"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func toCronResponse(c domain.CronDefinition) cronResponse {
	params := c.HandlerParams
	if params == "" {
		params = "{}"
	}
	return cronResponse{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		CronExpression: c.CronExpression,
		HandlerName:    c.HandlerName,
		HandlerParams:  json.RawMessage(params),
		IsEnabled:      c.IsEnabled,
		AllowOverlap:   c.AllowOverlap,
		MaxRetry:       c.MaxRetry,
		TimeoutSeconds: c.TimeoutSeconds,
		CreatedAt:      store.FormatTime(c.CreatedAt),
		UpdatedAt:      store.FormatTime(c.UpdatedAt),
	}
}

type executionResponse struct {
	ID            int64           `json:"id"`
	JobID         *int64          `json:"job_id"`
	ScheduledTime string          `json:"scheduled_time"`
	Status        string          `json:"status"`
	StartedAt     *string         `json:"started_at"`
	FinishedAt    *string         `json:"finished_at"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  *string         `json:"error_message"`
	Result        json.RawMessage `json:"result"`
	HandlerName   *string         `json:"handler_name"`
	HandlerParams json.RawMessage `json:"handler_params"`
	CreatedAt     string          `json:"created_at"`
}

func toExecutionResponse(e domain.Execution) executionResponse {
	fmtPtr := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := store.FormatTime(*t)
		return &s
	}
	rawPtr := func(s *string) json.RawMessage {
		if s == nil || *s == "" {
			return nil
		}
		if json.Valid([]byte(*s)) {
			return json.RawMessage(*s)
		}
		quoted, _ := json.Marshal(*s)
		return quoted
	}
	return executionResponse{
		ID:            e.ID,
		JobID:         e.JobID,
		ScheduledTime: store.FormatTime(e.ScheduledTime),
		Status:        string(e.Status),
		StartedAt:     fmtPtr(e.StartedAt),
		FinishedAt:    fmtPtr(e.FinishedAt),
		RetryCount:    e.RetryCount,
		ErrorMessage:  e.ErrorMessage,
		Result:        rawPtr(e.Result),
		HandlerName:   e.HandlerName,
		HandlerParams: rawPtr(e.HandlerParams),
		CreatedAt:     store.FormatTime(e.CreatedAt),
	}
}

func (s *Server) decodeCronRequest(r *http.Request) (domain.CronDefinition, error) {
	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.CronDefinition{}, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(req); err != nil {
		return domain.CronDefinition{}, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument)
	}
	if err := cronx.Validate(req.CronExpression, s.Cfg.MinCronInterval); err != nil {
		return domain.CronDefinition{}, err
	}
	params := "{}"
	if len(req.HandlerParams) > 0 {
		if !json.Valid(req.HandlerParams) {
			return domain.CronDefinition{}, fmt.Errorf("handler_params must be valid json: %w", domain.ErrInvalidArgument)
		}
		params = string(req.HandlerParams)
	}
	c := domain.CronDefinition{
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		HandlerName:    req.HandlerName,
		HandlerParams:  params,
		IsEnabled:      true,
		AllowOverlap:   true,
		MaxRetry:       req.MaxRetry,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if req.IsEnabled != nil {
		c.IsEnabled = *req.IsEnabled
	}
	if req.AllowOverlap != nil {
		c.AllowOverlap = *req.AllowOverlap
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 3600
	}
	return c, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %w", domain.ErrInvalidArgument)
	}
	return id, nil
}

func pageParams(r *http.Request) (page, size int) {
	page, size = 1, 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 && v <= 100 {
		size = v
	}
	return page, size
}

// parseFilterTime accepts both full timestamps and bare dates.
func parseFilterTime(v string) (time.Time, error) {
	if t, err := store.ParseTime(v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// CreateCron handles POST /crons.
func (s *Server) CreateCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.decodeCronRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var created domain.CronDefinition
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			created, err = s.St.CreateCron(ctx, c)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toCronResponse(created))
	}
}

// ListCrons handles GET /crons.
func (s *Server) ListCrons() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size := pageParams(r)
		var isEnabled *bool
		if v := r.URL.Query().Get("is_enabled"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("invalid is_enabled: %w", domain.ErrInvalidArgument), nil)
				return
			}
			isEnabled = &b
		}
		var (
			crons []domain.CronDefinition
			total int
		)
		err := s.Runner.ReadOnly().Run(r.Context(), func(ctx context.Context) error {
			var err error
			crons, total, err = s.St.ListCrons(ctx, page, size, isEnabled)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]cronResponse, 0, len(crons))
		for _, c := range crons {
			items = append(items, toCronResponse(c))
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total, Page: page, Size: size})
	}
}

// GetCron handles GET /crons/{id}.
func (s *Server) GetCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var c domain.CronDefinition
		err = s.Runner.ReadOnly().Run(r.Context(), func(ctx context.Context) error {
			c, err = s.St.GetCron(ctx, id)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toCronResponse(c))
	}
}

// UpdateCron handles PUT /crons/{id}.
func (s *Server) UpdateCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		c, err := s.decodeCronRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		c.ID = id
		var updated domain.CronDefinition
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			updated, err = s.St.UpdateCron(ctx, c)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toCronResponse(updated))
	}
}

// DeleteCron handles DELETE /crons/{id}.
func (s *Server) DeleteCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			return s.St.DeleteCron(ctx, id)
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ToggleCron handles POST /crons/{id}/toggle.
func (s *Server) ToggleCron() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var c domain.CronDefinition
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			c, err = s.St.ToggleCron(ctx, id)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toCronResponse(c))
	}
}

// ListJobs handles GET /jobs.
func (s *Server) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size := pageParams(r)
		var f store.ExecutionFilter
		q := r.URL.Query()
		if v := q.Get("cron_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("invalid cron_id: %w", domain.ErrInvalidArgument), nil)
				return
			}
			f.CronID = &id
		}
		if v := q.Get("status"); v != "" {
			st := domain.ExecutionStatus(v)
			if !st.Valid() {
				writeError(w, r, fmt.Errorf("invalid status %q: %w", v, domain.ErrInvalidArgument), nil)
				return
			}
			f.Status = &st
		}
		for key, dst := range map[string]**time.Time{"from_date": &f.From, "to_date": &f.To} {
			if v := q.Get(key); v != "" {
				t, err := parseFilterTime(v)
				if err != nil {
					writeError(w, r, fmt.Errorf("invalid %s: %w", key, domain.ErrInvalidArgument), nil)
					return
				}
				*dst = &t
			}
		}
		var (
			execs []domain.Execution
			total int
		)
		err := s.Runner.ReadOnly().Run(r.Context(), func(ctx context.Context) error {
			var err error
			execs, total, err = s.St.ListExecutions(ctx, page, size, f)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]executionResponse, 0, len(execs))
		for _, e := range execs {
			items = append(items, toExecutionResponse(e))
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total, Page: page, Size: size})
	}
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var e domain.Execution
		err = s.Runner.ReadOnly().Run(r.Context(), func(ctx context.Context) error {
			e, err = s.St.GetExecution(ctx, id)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toExecutionResponse(e))
	}
}

// RetryJob handles POST /jobs/{id}/retry.
func (s *Server) RetryJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var e domain.Execution
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			if err := s.St.RetryExecution(ctx, id); err != nil {
				return err
			}
			e, err = s.St.GetExecution(ctx, id)
			return err
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toExecutionResponse(e))
	}
}

// DeleteJob handles DELETE /jobs/{id}.
func (s *Server) DeleteJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		err = s.Runner.Run(r.Context(), func(ctx context.Context) error {
			return s.St.DeleteExecution(ctx, id)
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Health reports liveness plus pool availability per database.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		pools := make(map[string]map[string]int, len(s.DBs))
		for _, db := range s.DBs {
			pools[db.Name()] = map[string]int{
				"available": db.Available(),
				"size":      db.Size(),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pools": pools})
	}
}

// Ready reports readiness by round-tripping a query on each database.
func (s *Server) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		err := s.Runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
			for _, db := range s.DBs {
				tx, err := dbx.Tx(ctx, db.Name())
				if err != nil {
					return err
				}
				var one int
				if _, err := tx.FetchVal(ctx, &one, "SELECT 1"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}
