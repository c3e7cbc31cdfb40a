package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunledger/sunledger/pkg/types"
)

func TestDataPointDocID(t *testing.T) {
	assert.Equal(t, "INV1_2025-01-01T12:00:00", dataPointDocID("INV1", "2025-01-01 12:00:00"))
	assert.Equal(t, "A_B_2025-01-01T12:00:00", dataPointDocID("A/B", "2025-01-01 12:00:00"))
}

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("First Write Wins", func(t *testing.T) {
		tags := Tags{DeviceSN: "INV1", CustomerID: "cust", Provider: types.ProviderSolarman}
		res, err := f.InsertDataPoints(ctx, types.ModeRealtime, tags, []types.DataPoint{point("2025-01-01 12:00:00", 500)})
		require.NoError(t, err)
		assert.Equal(t, LoadResult{Inserted: 1}, res)

		res, err = f.InsertDataPoints(ctx, types.ModeRealtime, tags, []types.DataPoint{
			point("2025-01-01 12:00:00", 999),
			point("bad", 1),
		})
		require.NoError(t, err)
		assert.Equal(t, LoadResult{Skipped: 1, Failed: 1}, res)

		doc, err := f.client.Collection("device_data_realtime").Doc(dataPointDocID("INV1", "2025-01-01 12:00:00")).Get(ctx)
		require.NoError(t, err)
		power, err := doc.DataAt("total_power")
		require.NoError(t, err)
		assert.Equal(t, 500.0, power)
	})

	t.Run("Credentials", func(t *testing.T) {
		id, err := f.PutCredential(ctx, types.Credential{CustomerID: "cust", Provider: types.ProviderShinemonitor, Username: "u", Password: "p"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		creds, err := f.ListCredentials(ctx)
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, id, creds[0].ID)
		assert.Equal(t, "p", creds[0].Password)
	})
}
