package dbx

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/jobu/internal/domain"
)

// The ambient registry binds active transaction contexts to the current
// logical task through context values, so SQL issued at arbitrary call
// depth can look up its connection by database name. Each Runner.Run
// installs a fresh map; concurrent tasks never share one.

type ambientKey struct{}

type ambientMap map[string]*TxContext

// bind returns a ctx carrying m. The map is owned by a single task.
func bind(ctx context.Context, m ambientMap) context.Context {
	return context.WithValue(ctx, ambientKey{}, m)
}

// Tx returns the active transaction context bound under name, or
// domain.ErrNoTransaction when none is installed.
func Tx(ctx context.Context, name string) (*TxContext, error) {
	m, _ := ctx.Value(ambientKey{}).(ambientMap)
	if m == nil {
		return nil, fmt.Errorf("op=dbx.tx db=%s: %w", name, domain.ErrNoTransaction)
	}
	tc, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("op=dbx.tx db=%s: %w", name, domain.ErrNoTransaction)
	}
	return tc, nil
}

// WithTx binds tc under name for the duration of fn's subtree. It is the
// test seam for exercising ambient lookup without a Runner; production
// code goes through Runner.Run.
func WithTx(ctx context.Context, name string, tc *TxContext) context.Context {
	prev, _ := ctx.Value(ambientKey{}).(ambientMap)
	m := make(ambientMap, len(prev)+1)
	for k, v := range prev {
		m[k] = v
	}
	m[name] = tc
	return bind(ctx, m)
}
