package types

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Provider identifies a monitoring vendor.
type Provider string

const (
	ProviderSolarman     Provider = "solarman"
	ProviderShinemonitor Provider = "shinemonitor"
	ProviderSolisCloud   Provider = "soliscloud"
)

// Providers lists every vendor the pipeline can ingest from.
var Providers = []Provider{ProviderSolarman, ProviderShinemonitor, ProviderSolisCloud}

// ParseProvider accepts the api_provider column value in any case.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Credential is one customer's login to one vendor. Rows are written by the
// credential management API and are read-only here.
type Credential struct {
	ID         string   `json:"id" firestore:"-"`
	UserID     string   `json:"userID" firestore:"user_id"`
	CustomerID string   `json:"customerID" firestore:"customer_id" validate:"required"`
	Provider   Provider `json:"provider" firestore:"api_provider" validate:"required,oneof=solarman shinemonitor soliscloud"`
	Username   string   `json:"username" firestore:"username" validate:"omitempty,max=255"`
	// Password is the SHA-256 hex digest for solarman and the plain password for
	// shinemonitor.
	Password  string `json:"-" firestore:"password"`
	APIKey    string `json:"apiKey" firestore:"api_key"`
	APISecret string `json:"-" firestore:"api_secret"`
}

var validate = validator.New()

// Validate checks the fields every provider needs and then the fields the
// selected provider needs.
func (c Credential) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}
	var missing []string
	require := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	switch c.Provider {
	case ProviderSolarman:
		require("username", c.Username)
		require("password", c.Password)
		require("api_key", c.APIKey)
		require("api_secret", c.APISecret)
	case ProviderShinemonitor:
		require("username", c.Username)
		require("password", c.Password)
	case ProviderSolisCloud:
		require("api_key", c.APIKey)
		require("api_secret", c.APISecret)
	}
	if len(missing) > 0 {
		return errors.New("invalid credential: missing " + strings.Join(missing, ", ") + " for " + string(c.Provider))
	}
	return nil
}

// LogValue keeps secrets out of logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("customerID", c.CustomerID),
		slog.String("provider", string(c.Provider)),
		slog.String("username", c.Username),
	)
}
