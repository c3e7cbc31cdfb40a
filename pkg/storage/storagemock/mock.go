package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sunledger/sunledger/pkg/storage"
	"github.com/sunledger/sunledger/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) ListCredentials(ctx context.Context) ([]types.Credential, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]types.Credential), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) PutCredential(ctx context.Context, cred types.Credential) (string, error) {
	args := m.Called(ctx, cred)
	return args.String(0), args.Error(1)
}

func (m *MockDatabase) InsertDataPoints(ctx context.Context, mode types.Mode, tags storage.Tags, batch []types.DataPoint) (storage.LoadResult, error) {
	args := m.Called(ctx, mode, tags, batch)
	return args.Get(0).(storage.LoadResult), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
