package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Trade execution service client
// The adapter (adapter.go) wraps a Service and owns paper-trade fallback;
// this file is the wire contract and the HTTP client.
// ---------------------------------------------------------------------------

// Instruction actions.
const (
	ActionBuy      = "buy"
	ActionSell     = "sell"
	ActionTransfer = "transfer"
)

// Instruction is one trade or transfer request.
type Instruction struct {
	Action    string          `json:"action"` // buy|sell|transfer
	Asset     string          `json:"asset"`  // contract address or wallet role
	Symbol    string          `json:"symbol,omitempty"`
	AmountUSD decimal.Decimal `json:"amount_usd,omitempty"`
	Percent   float64         `json:"percent,omitempty"`  // sell: percent of holding
	Quantity  decimal.Decimal `json:"quantity,omitempty"` // sell/transfer: explicit size
	WalletRef string          `json:"wallet_ref,omitempty"`
	Context   string          `json:"context,omitempty"` // free-form audit tag
}

// Validate checks the instruction shape before submission.
func (in Instruction) Validate() error {
	switch in.Action {
	case ActionBuy:
		if in.AmountUSD.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("execution: buy requires positive amount_usd")
		}
	case ActionSell:
		if in.Percent <= 0 && in.Quantity.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("execution: sell requires percent or quantity")
		}
		if in.Percent < 0 || in.Percent > 100 {
			return fmt.Errorf("execution: sell percent %.2f out of range", in.Percent)
		}
	case ActionTransfer:
		if in.AmountUSD.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("execution: transfer requires positive amount_usd")
		}
		if in.WalletRef == "" {
			return fmt.Errorf("execution: transfer requires wallet_ref")
		}
	default:
		return fmt.Errorf("execution: unknown action %q", in.Action)
	}
	if in.Asset == "" {
		return fmt.Errorf("execution: asset is required")
	}
	return nil
}

// Result is the outcome of a submission. Failure means "not executed":
// the caller may retry or fall back, never assume partial effect.
type Result struct {
	Success bool            `json:"success"`
	TxRef   string          `json:"tx_ref,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// Service is the external trade execution channel.
type Service interface {
	Submit(ctx context.Context, in Instruction) (Result, error)
	Balance(ctx context.Context, walletRef string) (decimal.Decimal, error)
}

// HTTPConfig configures the HTTP execution client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPService submits instructions to an HTTP execution endpoint.
type HTTPService struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPService creates the HTTP execution client.
func NewHTTPService(config HTTPConfig) *HTTPService {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTPService{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Submit POSTs the instruction to /execute.
func (s *HTTPService) Submit(ctx context.Context, in Instruction) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{Err: err.Error()}, err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("execution: marshal instruction: %w", err)
	}

	raw, err := s.post(ctx, "/execute", body)
	if err != nil {
		return Result{Err: err.Error()}, err
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{Raw: raw}, fmt.Errorf("execution: decode response: %w", err)
	}
	res.Raw = raw
	if !res.Success && res.Err == "" {
		res.Err = "execution service reported failure"
	}
	return res, nil
}

// Balance GETs the current balance for a wallet role.
func (s *HTTPService) Balance(ctx context.Context, walletRef string) (decimal.Decimal, error) {
	url := strings.TrimRight(s.config.BaseURL, "/") + "/balance/" + walletRef
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("execution: build balance request: %w", err)
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("execution: balance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("execution: balance returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("execution: read balance: %w", err)
	}

	var payload struct {
		BalanceUSD decimal.Decimal `json:"balance_usd"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("execution: decode balance: %w", err)
	}
	return payload.BalanceUSD, nil
}

func (s *HTTPService) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := strings.TrimRight(s.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("execution: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execution: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("execution: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execution: %s returned HTTP %d: %s", path, resp.StatusCode, truncate(raw, 200))
	}
	return raw, nil
}

func (s *HTTPService) auth(req *http.Request) {
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
