package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/secret"
	"github.com/sunledger/sunledger/pkg/storage"
	"github.com/sunledger/sunledger/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	sealer := secret.Configured()

	id := lflag.String("id", "", "Credential id to overwrite, empty creates a new one")
	userID := lflag.String("user-id", "", "Owning user id")
	customerID := lflag.String("customer-id", "", "Customer the telemetry is attributed to")
	providerName := lflag.String("provider", "", "Vendor: solarman, shinemonitor or soliscloud")
	username := lflag.String("username", "", "Vendor username")
	password := lflag.String("password", "", "Vendor password (sha256 hex digest for solarman)")
	apiKey := lflag.String("api-key", "", "Vendor api key, app id or company key")
	apiSecret := lflag.String("api-secret", "", "Vendor api secret")
	seal := lflag.Bool("seal", false, "Seal password and api secret with credentials-encryption-key")

	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	p, err := types.ParseProvider(*providerName)
	if err != nil {
		fail(ctx, err)
	}
	cred := types.Credential{
		ID:         *id,
		UserID:     *userID,
		CustomerID: *customerID,
		Provider:   p,
		Username:   *username,
		Password:   *password,
		APIKey:     *apiKey,
		APISecret:  *apiSecret,
	}
	if err := cred.Validate(); err != nil {
		fail(ctx, err)
	}
	if *seal {
		if err := sealer.SealCredential(ctx, &cred); err != nil {
			fail(ctx, fmt.Errorf("failed to seal credential: %w", err))
		}
	}

	newID, err := s.PutCredential(ctx, cred)
	if err != nil {
		fail(ctx, fmt.Errorf("failed to store credential: %w", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded credential",
		slog.String("id", newID),
		slog.String("provider", string(cred.Provider)),
		slog.Bool("sealed", *seal),
	)
}

func fail(ctx context.Context, err error) {
	log.Ctx(ctx).ErrorContext(ctx, "seed failed", slog.Any("error", err))
	os.Exit(1)
}
