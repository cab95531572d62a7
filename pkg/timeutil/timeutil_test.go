package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOfDay(t *testing.T) {
	ts := time.Date(2024, 3, 10, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), StartOfDay(ts))
	local := StartOfDayIn(ts, ts.Location())
	assert.Equal(t, ts.Add(-23*time.Hour-30*time.Minute), local)
	assert.True(t, local.Equal(time.Date(2024, 3, 9, 19, 0, 0, 0, time.UTC)))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("01.05.2024")
	assert.Error(t, err)
}

func TestFixedClock(t *testing.T) {
	pinned := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, pinned, Fixed(pinned)())
}
