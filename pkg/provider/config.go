package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sunledger/sunledger/pkg/common"
	"github.com/sunledger/sunledger/pkg/retry"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	defaultSolisCloudDelay = 600 * time.Millisecond
	// minSolisCloudDelay is the smallest pause SolisCloud tolerates between calls.
	minSolisCloudDelay = 100 * time.Millisecond
)

// Options carries the process-wide vendor settings every client is built from.
type Options struct {
	HTTPClient *http.Client

	SolarmanBaseURL        string
	ShinemonitorBaseURL    string
	ShinemonitorCompanyKey string
	SolisCloudBaseURL      string
	SolisCloudRateDelay    time.Duration

	// RetryBaseDelay overrides the 2s first backoff, mostly for tests.
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return common.HTTPClient(30 * time.Second)
}

func (o Options) policy(ceiling time.Duration) retry.Policy {
	p := retry.Default(ceiling)
	if o.RetryBaseDelay > 0 {
		p.BaseDelay = o.RetryBaseDelay
		if p.MaxDelay > 4*o.RetryBaseDelay {
			p.MaxDelay = 4 * o.RetryBaseDelay
		}
	}
	return p
}

// Factory builds one fresh Client per credential.
type Factory struct {
	opts Options
}

// NewFactory returns a factory using opts.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// Configured registers the vendor flags and returns a factory filled in once
// flags are parsed.
func Configured() *Factory {
	solarmanURL := lflag.String("solarman-base-url", solarmanBaseURL, "Solarman OpenAPI base URL")
	shineURL := lflag.String("shinemonitor-base-url", shinemonitorBaseURL, "Shinemonitor public API base URL")
	shineKey := lflag.String("shinemonitor-company-key", "", "Shinemonitor company-key sent on auth")
	solisURL := lflag.String("soliscloud-base-url", solisCloudBaseURL, "SolisCloud API base URL")
	solisDelay := lflag.Duration("soliscloud-rate-delay", defaultSolisCloudDelay, "Pause after every successful SolisCloud call")
	timeout := lflag.Duration("provider-http-timeout", 30*time.Second, "Timeout for a single vendor HTTP request")

	f := &Factory{}
	lflag.Do(func() {
		f.opts = Options{
			HTTPClient:             common.HTTPClient(*timeout),
			SolarmanBaseURL:        *solarmanURL,
			ShinemonitorBaseURL:    *shineURL,
			ShinemonitorCompanyKey: *shineKey,
			SolisCloudBaseURL:      *solisURL,
			SolisCloudRateDelay:    *solisDelay,
		}
	})
	return f
}

// New validates cred and returns a client for its provider.
func (f *Factory) New(cred types.Credential) (Client, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	switch cred.Provider {
	case types.ProviderSolarman:
		return NewSolarman(cred, f.opts), nil
	case types.ProviderShinemonitor:
		return NewShinemonitor(cred, f.opts), nil
	case types.ProviderSolisCloud:
		return NewSolisCloud(cred, f.opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cred.Provider)
	}
}
