package market

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// WebSocket price stream — push quotes for subscribed addresses.
// The price watcher prefers this and falls back to polling when the stream
// is unavailable or drops.
// ---------------------------------------------------------------------------

// StreamConfig configures the price stream.
type StreamConfig struct {
	WSURL            string
	PingIntervalS    int
	ReconnectDelayMs int
	MaxReconnects    int // 0 = unlimited
}

// DefaultStreamConfig returns stream defaults.
func DefaultStreamConfig(wsURL string) StreamConfig {
	return StreamConfig{
		WSURL:            wsURL,
		PingIntervalS:    30,
		ReconnectDelayMs: 1000,
		MaxReconnects:    5,
	}
}

// Stream is a websocket quote subscription.
type Stream struct {
	config StreamConfig

	quotes chan Quote
	closed atomic.Bool

	// Stats.
	messagesRecv atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewStream creates a price stream client.
func NewStream(config StreamConfig) *Stream {
	return &Stream{
		config: config,
		quotes: make(chan Quote, 256),
	}
}

// Subscribe connects and subscribes to quote pushes for the given addresses.
// The returned channel closes when the stream is exhausted (reconnect budget
// spent or ctx cancelled); callers treat a closed channel as the signal to
// fall back to polling.
func (s *Stream) Subscribe(ctx context.Context, addresses []string) (<-chan Quote, error) {
	if s.config.WSURL == "" {
		return nil, fmt.Errorf("stream: no websocket endpoint configured")
	}
	go s.runLoop(ctx, addresses)
	return s.quotes, nil
}

func (s *Stream) runLoop(ctx context.Context, addresses []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("stream: runLoop panic recovered")
		}
		if s.closed.CompareAndSwap(false, true) {
			close(s.quotes)
		}
	}()

	reconnectDelay := time.Duration(s.config.ReconnectDelayMs) * time.Millisecond
	reconnectCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.config.MaxReconnects > 0 && reconnectCount > s.config.MaxReconnects {
			log.Warn().Int("max", s.config.MaxReconnects).
				Msg("stream: reconnect budget spent, handing off to polling")
			return
		}

		if err := s.runConn(ctx, addresses); err != nil {
			log.Warn().Err(err).Msg("stream: connection lost")
		}
		if ctx.Err() != nil {
			return
		}

		reconnectCount++
		s.reconnects.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// runConn serves a single websocket connection until it fails.
func (s *Stream) runConn(ctx context.Context, addresses []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", s.config.WSURL, err)
	}
	defer conn.Close()

	sub := map[string]any{
		"type":      "subscribe",
		"channel":   "quotes",
		"addresses": addresses,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("stream: subscribe: %w", err)
	}

	s.connected.Store(true)
	defer s.connected.Store(false)
	log.Info().Int("addresses", len(addresses)).Msg("stream: subscription active")

	// Ping loop keeps intermediaries from dropping the connection.
	pingInterval := time.Duration(s.config.PingIntervalS) * time.Second
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}
		s.messagesRecv.Add(1)
		s.handleMessage(msg)
	}
}

func (s *Stream) handleMessage(msg []byte) {
	parsed := gjson.ParseBytes(msg)
	if parsed.Get("type").String() != "quote" {
		return
	}

	price, err := decimal.NewFromString(parsed.Get("priceUsd").String())
	if err != nil {
		return
	}

	q := Quote{
		Address:      parsed.Get("address").String(),
		PriceUSD:     price,
		HasWindows:   parsed.Get("priceChange").Exists(),
		Change5m:     parsed.Get("priceChange.m5").Float(),
		Change1h:     parsed.Get("priceChange.h1").Float(),
		Change24h:    parsed.Get("priceChange.h24").Float(),
		Volume24hUSD: parsed.Get("volume.h24").Float(),
		LiquidityUSD: parsed.Get("liquidity.usd").Float(),
		AsOf:         time.Now(),
	}
	if q.Address == "" {
		return
	}

	select {
	case s.quotes <- q:
	default:
		// Slow consumer: drop rather than block the read loop.
	}
}

// Stats returns stream statistics.
func (s *Stream) Stats() map[string]any {
	return map[string]any{
		"connected":     s.connected.Load(),
		"messages_recv": s.messagesRecv.Load(),
		"reconnects":    s.reconnects.Load(),
	}
}
