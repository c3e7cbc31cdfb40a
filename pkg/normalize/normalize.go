// Package normalize maps vendor records onto the canonical DataPoint.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	// samples from NightStartHour until NightEndHour carry no generation
	NightStartHour = 19
	NightEndHour   = 7

	unknownState = "unknown"
)

var deviceKeys = []string{"device_id", "sn", "devicesn"}

// Normalizer resolves vendor keys through an alias table. It is safe for
// concurrent use.
type Normalizer struct {
	table *compiled
}

// New compiles t.
func New(t Table) (*Normalizer, error) {
	c, err := t.compile()
	if err != nil {
		return nil, err
	}
	return &Normalizer{table: c}, nil
}

// Default returns a Normalizer over the embedded alias table.
func Default() (*Normalizer, error) {
	t, err := DefaultTable()
	if err != nil {
		return nil, err
	}
	return New(t)
}

// Configured registers the alias override flag.
func Configured() *Normalizer {
	path := lflag.String("normalize-aliases", "", "YAML file merged over the built-in vendor alias table")

	n := &Normalizer{}
	lflag.Do(func() {
		t, err := LoadTable(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load alias table: %v", err))
		}
		c, err := t.compile()
		if err != nil {
			panic(fmt.Sprintf("invalid alias table: %v", err))
		}
		n.table = c
	})
	return n
}

// Normalize converts one raw record. It returns false only when the record has
// no timestamp.
func (n *Normalizer) Normalize(ctx context.Context, raw types.RawRecord, provider types.Provider) (*types.DataPoint, bool) {
	ts, ok := raw.Timestamp()
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "skipping record without timestamp", slog.String("provider", string(provider)))
		return nil, false
	}
	idx := index(raw)

	dp := &types.DataPoint{Timestamp: ts, State: unknownState}
	if sn, ok := resolveString(idx, deviceKeys); ok {
		dp.DeviceSN = sn
	}
	for field, aliases := range n.table.fields {
		if v, ok := resolveNumber(idx, aliases); ok {
			*dp.Field(field) = v
		}
	}
	for field, aliases := range n.table.providers[provider] {
		if v, ok := resolveNumber(idx, aliases); ok {
			*dp.Field(field) = v
		}
	}
	if s, ok := resolveString(idx, n.table.state); ok {
		dp.State = s
	}
	dp.Faults = append(rawFaults(raw["faults"]), n.matchFaults(idx)...)

	applyNightZero(ctx, dp)

	// every numeric field has a value by now, so this never rejects
	if dp.Field("total_power") == nil {
		return nil, false
	}
	return dp, true
}

// applyNightZero clears generation fields outside daylight hours. A timestamp
// that does not parse leaves the values alone.
func applyNightZero(ctx context.Context, dp *types.DataPoint) {
	t, err := dp.Time()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid timestamp format, night-zero not applied",
			slog.Any("error", &types.DataFormatError{Field: "timestamp", Value: dp.Timestamp, Err: err}),
		)
		return
	}
	if !IsNight(t) {
		return
	}
	dp.TotalPower = 0
	dp.EnergyToday = 0
	dp.PVVoltage = [types.MaxPVStrings]float64{}
	dp.PVCurrent = [types.MaxPVStrings]float64{}
}

// IsNight reports whether t's wall-clock hour is in [19, 24) or [0, 7).
func IsNight(t time.Time) bool {
	h := t.Hour()
	return h >= NightStartHour || h < NightEndHour
}

// index lower-cases record keys. When two keys only differ in case, the one
// already in lower case wins.
func index(raw types.RawRecord) map[string]any {
	idx := make(map[string]any, len(raw))
	for k, v := range raw {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := idx[lk]; dup && k != lk {
			continue
		}
		idx[lk] = v
	}
	return idx
}

func resolveNumber(idx map[string]any, aliases []string) (float64, bool) {
	for _, a := range aliases {
		if f, ok := toFloat(idx[a]); ok {
			return f, true
		}
	}
	return 0, false
}

func resolveString(idx map[string]any, aliases []string) (string, bool) {
	for _, a := range aliases {
		if s, ok := toString(idx[a]); ok {
			return s, true
		}
	}
	return "", false
}

// toFloat coerces numbers, numeric strings and bools. Anything else is absent.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, false
		}
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

// rawFaults accepts a list of fault objects as some vendors already send them.
func rawFaults(v any) []types.Fault {
	switch t := v.(type) {
	case []types.Fault:
		return t
	case []any:
		out := make([]types.Fault, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			f := types.Fault{}
			f.Code, _ = toString(m["code"])
			f.Description, _ = toString(m["description"])
			f.Severity, _ = toString(m["severity"])
			if f.Code == "" && f.Description == "" {
				continue
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

func (n *Normalizer) matchFaults(idx map[string]any) []types.Fault {
	var out []types.Fault
	for _, r := range n.table.faults {
		desc, ok := toString(idx[r.Key])
		if !ok {
			continue
		}
		out = append(out, types.Fault{Code: r.Code, Description: desc, Severity: r.Severity})
	}
	return out
}

// ErrNotConfigured is returned by Check before flags are parsed.
var ErrNotConfigured = errors.New("normalizer alias table not loaded")

// Check reports whether the alias table has been loaded.
func (n *Normalizer) Check() error {
	if n == nil || n.table == nil {
		return ErrNotConfigured
	}
	return nil
}
