package cronx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobu/internal/domain"
)

func TestValidate(t *testing.T) {
	min := time.Minute

	assert.NoError(t, Validate("* * * * *", min))
	assert.NoError(t, Validate("0 2 * * *", min))
	assert.NoError(t, Validate("*/5 * * * *", min))

	err := Validate("not a cron", min)
	require.ErrorIs(t, err, domain.ErrCronParse)

	err = Validate("61 * * * *", min)
	require.ErrorIs(t, err, domain.ErrCronParse)
}

func TestValidateMinInterval(t *testing.T) {
	err := Validate("* * * * *", 5*time.Minute)
	require.ErrorIs(t, err, domain.ErrCronIntervalTooShort)

	assert.NoError(t, Validate("*/5 * * * *", 5*time.Minute))
}

func TestPrevFire(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 42, 0, time.UTC)

	prev, err := PrevFire("* * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC), prev)

	prev, err = PrevFire("0 2 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC), prev)
}

func TestPrevFireInclusive(t *testing.T) {
	// Exactly on a fire boundary, the boundary itself is the previous fire.
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	prev, err := PrevFire("30 10 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, now, prev)
}

func TestNextFire(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 42, 0, time.UTC)

	next, err := NextFire("* * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 31, 0, 0, time.UTC), next)

	next, err = NextFire("0 2 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC), next)
}
