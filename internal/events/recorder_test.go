package events

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Emit(t *testing.T) {
	r := NewRecorder(Config{BufferSize: 10})

	rec := r.Emit(TypePositionOpened, map[string]any{"symbol": "BONK", "entry_usd": 100.0})
	assert.NotEmpty(t, rec.EventID)
	assert.Equal(t, TypePositionOpened, rec.Type)
	assert.False(t, rec.Timestamp.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, "BONK", payload["symbol"])

	assert.Equal(t, 1, r.Len())
}

func TestRecorder_FIFOEviction(t *testing.T) {
	r := NewRecorder(Config{BufferSize: 3})

	for i := 0; i < 5; i++ {
		r.Emit(TypePriceMove, map[string]int{"seq": i})
	}
	assert.Equal(t, 3, r.Len())

	recent := r.Recent(0)
	require.Len(t, recent, 3)
	var first map[string]int
	require.NoError(t, json.Unmarshal(recent[0].Payload, &first))
	assert.Equal(t, 2, first["seq"], "oldest entries are evicted first")
}

func TestRecorder_Recent_Limit(t *testing.T) {
	r := NewRecorder(Config{BufferSize: 10})
	for i := 0; i < 6; i++ {
		r.Emit(TypeNewToken, map[string]int{"seq": i})
	}

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	var last map[string]int
	require.NoError(t, json.Unmarshal(recent[1].Payload, &last))
	assert.Equal(t, 5, last["seq"], "newest record comes last")
}

func TestRecorder_UnmarshalablePayload(t *testing.T) {
	r := NewRecorder(Config{BufferSize: 10})

	rec := r.Emit(TypeEdgeFound, map[string]any{"bad": func() {}})
	assert.Equal(t, json.RawMessage("{}"), rec.Payload, "marshal failure degrades to an empty payload")
	assert.Equal(t, 1, r.Len(), "the event itself is never dropped")
}

func TestRecorder_FileSink(t *testing.T) {
	path := t.TempDir() + "/events.jsonl"
	r := NewRecorder(Config{FilePath: path, MaxSizeMB: 1, BufferSize: 10})
	defer r.Close()

	r.Emit(TypeTreasurySweep, map[string]float64{"excess_usd": 400})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"treasury_sweep"`)
	assert.Contains(t, string(data), `"excess_usd":400`)
}
