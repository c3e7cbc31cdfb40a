// Package storage persists normalized telemetry and reads vendor credentials.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/types"
)

var (
	ErrUnknownMode         = errors.New("unknown ingestion mode")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrInvalidCredentialID = errors.New("invalid credential id")
)

// Tags identify where a batch came from. They are written on every row.
type Tags struct {
	DeviceSN   string
	CustomerID string
	Provider   types.Provider
}

// LoadResult counts what happened to each row of a batch.
type LoadResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add accumulates o into r.
func (r *LoadResult) Add(o LoadResult) {
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Database is the credential store and the telemetry sink.
type Database interface {
	// ListCredentials returns every stored credential. Secrets are returned as
	// stored, possibly sealed.
	ListCredentials(ctx context.Context) ([]types.Credential, error)
	// PutCredential stores cred and returns its id.
	PutCredential(ctx context.Context, cred types.Credential) (string, error)

	// InsertDataPoints writes one device batch into the table for mode. A row
	// whose (device_sn, timestamp) already exists is skipped, never updated. A
	// row that fails is counted and the rest of the batch continues. An error
	// means nothing from the batch was committed.
	InsertDataPoints(ctx context.Context, mode types.Mode, tags Tags, batch []types.DataPoint) (LoadResult, error)

	// Lifecycle
	Close() error
}

// TableName returns the destination table (or collection) for mode.
func TableName(mode types.Mode) (string, error) {
	switch mode {
	case types.ModeHistorical:
		return "device_data_historical", nil
	case types.ModeRealtime:
		return "device_data_realtime", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "postgres", "Storage provider to use (available: postgres, firestore, memory)")

	var p struct{ Database }

	pg := configuredPostgres()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
			p.Database = pg
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
