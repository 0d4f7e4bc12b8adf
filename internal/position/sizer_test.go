package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizer_Size(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	tests := []struct {
		name    string
		capital float64
		want    string
		wantErr bool
	}{
		{"percentage rule", 1000, "200", false},
		{"max clamp", 10000, "500", false},
		{"min clamp within half", 40, "10", false},
		{"half-capital cap binds exactly", 20, "10", false},
		{"too small", 15, "", true},
		{"zero capital", 0, "", true},
		{"negative capital", -50, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := s.Size(decimal.NewFromFloat(tt.capital))
			if tt.wantErr {
				assert.Error(t, err, "no-trade outcome, not a crash")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.String())
		})
	}
}

func TestSizer_NeverExceedsHalfCapital(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())

	for _, capital := range []float64{20, 25, 50, 100, 1000, 100000} {
		c := decimal.NewFromFloat(capital)
		entry, err := s.Size(c)
		if err != nil {
			continue
		}
		assert.True(t, entry.LessThanOrEqual(c.Div(decimal.NewFromInt(2))),
			"capital=%v entry=%v", capital, entry)
	}
}

func TestMomentumTracker_Change(t *testing.T) {
	tr := NewMomentumTracker()
	now := time.Now()

	tr.Record("addr", decimal.NewFromFloat(1.00), now.Add(-4*time.Minute))
	tr.Record("addr", decimal.NewFromFloat(1.10), now)

	change, ok := tr.Change("addr", 5*time.Minute, now)
	require.True(t, ok)
	assert.InDelta(t, 10.0, change, 1e-9)

	_, ok = tr.Change("addr", time.Minute, now)
	assert.False(t, ok, "not enough history inside a tighter window")

	_, ok = tr.Change("unknown", 5*time.Minute, now)
	assert.False(t, ok)
}

func TestMomentumTracker_Prunes(t *testing.T) {
	tr := NewMomentumTracker()
	now := time.Now()

	tr.Record("addr", decimal.NewFromFloat(1.00), now.Add(-2*time.Hour))
	tr.Record("addr", decimal.NewFromFloat(2.00), now)

	_, ok := tr.Change("addr", 90*time.Minute, now)
	assert.False(t, ok, "points older than the retained history are dropped")
}
