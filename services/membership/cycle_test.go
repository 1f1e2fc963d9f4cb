package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddCycle(t *testing.T) {
	base := time.Date(2013, time.July, 13, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		from     time.Time
		unit     Unit
		interval int
		want     time.Time
	}{
		{"day", base, UnitDay, 3, time.Date(2013, time.July, 16, 0, 0, 0, 0, time.UTC)},
		{"week", base, UnitWeek, 2, time.Date(2013, time.July, 27, 0, 0, 0, 0, time.UTC)},
		{"month", base, UnitMonth, 1, time.Date(2013, time.August, 13, 0, 0, 0, 0, time.UTC)},
		{"year", base, UnitYear, 1, time.Date(2014, time.July, 13, 0, 0, 0, 0, time.UTC)},
		{"zero interval is one", base, UnitYear, 0, time.Date(2014, time.July, 13, 0, 0, 0, 0, time.UTC)},
		{"month end clamps", time.Date(2013, time.January, 31, 0, 0, 0, 0, time.UTC), UnitMonth, 1, time.Date(2013, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"leap year clamps", time.Date(2016, time.February, 29, 0, 0, 0, 0, time.UTC), UnitYear, 1, time.Date(2017, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"month across year", time.Date(2013, time.November, 30, 0, 0, 0, 0, time.UTC), UnitMonth, 3, time.Date(2014, time.February, 28, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AddCycle(tc.from, tc.unit, tc.interval)
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
		})
	}
}

func TestAddCycleUnknownUnit(t *testing.T) {
	_, err := AddCycle(time.Now(), Unit("fortnight"), 1)
	require.ErrorIs(t, err, ErrUnknownUnit)
}
