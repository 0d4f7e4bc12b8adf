package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ---------------------------------------------------------------------------
// Structured event sink
// Every entry, exit, sweep, and watcher observation is emitted as a typed
// record: to the log, to a rotating JSONL file, and into an in-memory ring
// for the /events endpoint.
// ---------------------------------------------------------------------------

// Event types.
const (
	TypeNewToken        = "new_token"
	TypePriceMove       = "price_move"
	TypeBalanceChange   = "balance_change"
	TypeEdgeFound       = "edge_found"
	TypePositionOpened  = "position_opened"
	TypePositionClosed  = "position_closed"
	TypePartialTake     = "partial_take"
	TypePaperTrade      = "paper_trade"
	TypeMoonbagCreated  = "moonbag_created"
	TypeMoonbagTrigger  = "moonbag_trigger"
	TypeTreasurySweep   = "treasury_sweep"
	TypeWageHour        = "wage_hour"
	TypeRiskBlocked     = "risk_blocked"
	TypeWatcherRestart  = "watcher_restart"
	TypeStateCorruption = "state_corruption"
	TypeEngineHalt      = "engine_halt"
)

// Record is one structured event.
type Record struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Config configures the recorder.
type Config struct {
	FilePath   string // empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	BufferSize int // in-memory ring capacity
}

// DefaultConfig returns recorder defaults.
func DefaultConfig() Config {
	return Config{
		FilePath:   "data/events.jsonl",
		MaxSizeMB:  50,
		MaxBackups: 3,
		BufferSize: 2000,
	}
}

// Recorder emits structured events to the log, a rotating JSONL file, and an
// in-memory FIFO buffer.
type Recorder struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	records []Record
	maxBuf  int
}

// NewRecorder creates an event recorder.
func NewRecorder(config Config) *Recorder {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	r := &Recorder{
		records: make([]Record, 0, config.BufferSize),
		maxBuf:  config.BufferSize,
	}
	if config.FilePath != "" {
		r.file = &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		}
	}
	return r
}

// Emit records one event. payload is marshaled to JSON; a marshal failure is
// logged and replaced with an empty object rather than dropping the event.
func (r *Recorder) Emit(eventType string, payload any) Record {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("events: marshal payload failed")
		data = []byte("{}")
	}

	rec := Record{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}

	r.mu.Lock()
	if r.maxBuf > 0 {
		if len(r.records) >= r.maxBuf {
			copy(r.records, r.records[1:])
			r.records[len(r.records)-1] = rec
		} else {
			r.records = append(r.records, rec)
		}
	}
	r.mu.Unlock()

	log.Info().
		Str("event", rec.Type).
		Str("event_id", rec.EventID).
		RawJSON("payload", rec.Payload).
		Msg("events: EMIT")

	if r.file != nil {
		line, err := json.Marshal(rec)
		if err == nil {
			line = append(line, '\n')
			if _, err := r.file.Write(line); err != nil {
				log.Error().Err(err).Msg("events: file sink write failed")
			}
		}
	}
	return rec
}

// Recent returns up to limit most-recent records, newest last.
// limit <= 0 returns the whole buffer.
func (r *Recorder) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, r.records[len(r.records)-n:])
	return out
}

// Len returns the number of buffered records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Close flushes and closes the file sink.
func (r *Recorder) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
