package storage

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

// StoredPoint is a row as kept by MemoryProvider.
type StoredPoint struct {
	Tags  Tags
	Point types.DataPoint
}

type rowKey struct {
	sn string
	ts string
}

// MemoryProvider keeps everything in process memory. It backs dry runs and
// tests and follows the same first-write-wins rule as the real sinks.
type MemoryProvider struct {
	mu     sync.Mutex
	creds  []types.Credential
	nextID int
	tables map[string]map[rowKey]StoredPoint
}

// NewMemory returns an empty provider.
func NewMemory(creds ...types.Credential) *MemoryProvider {
	m := &MemoryProvider{tables: map[string]map[rowKey]StoredPoint{}}
	for _, c := range creds {
		m.PutCredential(context.Background(), c)
	}
	return m
}

func (m *MemoryProvider) ListCredentials(ctx context.Context) ([]types.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.creds), nil
}

func (m *MemoryProvider) PutCredential(ctx context.Context, cred types.Credential) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred.ID == "" {
		m.nextID++
		cred.ID = strconv.Itoa(m.nextID)
	}
	if i := slices.IndexFunc(m.creds, func(c types.Credential) bool { return c.ID == cred.ID }); i >= 0 {
		m.creds[i] = cred
	} else {
		m.creds = append(m.creds, cred)
	}
	return cred.ID, nil
}

func (m *MemoryProvider) InsertDataPoints(ctx context.Context, mode types.Mode, tags Tags, batch []types.DataPoint) (LoadResult, error) {
	var res LoadResult
	table, err := TableName(mode)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	if rows == nil {
		rows = map[rowKey]StoredPoint{}
		m.tables[table] = rows
	}
	for _, dp := range batch {
		if _, err := dp.Time(); err != nil {
			res.Failed++
			log.Ctx(ctx).ErrorContext(ctx, "row insert failed",
				slog.String("table", table),
				slog.Any("error", &types.RowError{DeviceSN: tags.DeviceSN, Timestamp: dp.Timestamp, Err: err}),
			)
			continue
		}
		k := rowKey{sn: tags.DeviceSN, ts: dp.Timestamp}
		if _, ok := rows[k]; ok {
			res.Skipped++
			continue
		}
		dp.DeviceSN = tags.DeviceSN
		rows[k] = StoredPoint{Tags: tags, Point: dp}
		res.Inserted++
	}
	return res, nil
}

// Points returns the rows stored for mode, ordered by device and timestamp.
func (m *MemoryProvider) Points(mode types.Mode) []StoredPoint {
	table, err := TableName(mode)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredPoint, 0, len(m.tables[table]))
	for _, p := range m.tables[table] {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b StoredPoint) int {
		if a.Tags.DeviceSN != b.Tags.DeviceSN {
			if a.Tags.DeviceSN < b.Tags.DeviceSN {
				return -1
			}
			return 1
		}
		switch {
		case a.Point.Timestamp < b.Point.Timestamp:
			return -1
		case a.Point.Timestamp > b.Point.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

func (m *MemoryProvider) Close() error {
	return nil
}
