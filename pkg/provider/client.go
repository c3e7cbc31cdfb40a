// Package provider speaks the wire protocols of the supported monitoring
// vendors behind one Client interface.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/retry"
	"github.com/sunledger/sunledger/pkg/types"
)

// Client is one authenticated session against one vendor for one credential.
// Clients are not shared between credentials.
type Client interface {
	Provider() types.Provider
	Authenticate(ctx context.Context) (types.Token, error)
	ListPlants(ctx context.Context, cred types.Credential) ([]types.Plant, error)
	ListDevices(ctx context.Context, plantID string) ([]types.Device, error)
	FetchHistorical(ctx context.Context, device types.Device, start, end time.Time) ([]types.RawRecord, error)
	FetchRealtime(ctx context.Context, device types.Device) ([]types.RawRecord, error)
}

const maxResponseBytes = 16 << 20

// base is embedded by every vendor client.
type base struct {
	provider types.Provider
	client   *http.Client
	baseURL  string
	tokens   *TokenManager
	// delay is slept after every successful HTTP exchange.
	delay time.Duration
	now   func() time.Time
}

func newBase(p types.Provider, client *http.Client, baseURL string, delay time.Duration, now func() time.Time) base {
	if now == nil {
		now = time.Now
	}
	return base{
		provider: p,
		client:   client,
		baseURL:  baseURL,
		tokens:   NewTokenManager(p, now),
		delay:    delay,
		now:      now,
	}
}

func (b *base) Provider() types.Provider {
	return b.provider
}

// send performs one logical call under policy. build is invoked per attempt
// so request bodies are fresh. Transport failures and 5xx/429 responses come
// back as TransientError, other non-200 responses as PermanentAPIError.
func (b *base) send(ctx context.Context, op string, policy retry.Policy, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := policy.Do(ctx, op, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%s: %w", op, ctxErr)
			}
			return &types.TransientError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &types.TransientError{Op: op, Err: err}
		}
		switch {
		case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
			return &types.TransientError{Op: op, StatusCode: resp.StatusCode}
		case resp.StatusCode != http.StatusOK:
			return &types.PermanentAPIError{
				Provider: b.provider,
				Op:       op,
				Code:     fmt.Sprintf("http_%d", resp.StatusCode),
				Message:  snippet(data),
			}
		}
		body = data
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "vendor call failed", slog.String("op", op), slog.Any("error", err))
		return nil, err
	}
	// the exchange already succeeded, so a cancel during the pause is ignored
	_ = b.pace(ctx)
	return body, nil
}

func (b *base) pace(ctx context.Context) error {
	if b.delay <= 0 {
		return nil
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// dayRange returns every UTC calendar day from start to end inclusive.
func dayRange(start, end time.Time) []time.Time {
	start, end = start.UTC(), end.UTC()
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	var days []time.Time
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ErrMissingDeviceIDs is returned when a device lacks the ids a vendor needs.
var ErrMissingDeviceIDs = errors.New("device is missing vendor identifiers")

// idString renders a vendor id that may arrive as a JSON number or string.
func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// anyFloat reads a vendor number that may be quoted. Unparseable values are 0.
func anyFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

// numericID sends ids the vendor expects as numbers as numbers.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (b *base) newPostJSONRequest(ctx context.Context, endpoint string, params url.Values, body []byte) (*http.Request, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
