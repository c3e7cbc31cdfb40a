// Package server exposes ingestion runs to an external workflow orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/ingest"
	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

const (
	// runs are answered synchronously, so writes may take as long as a run
	writeTimeout    = 30 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Runner is the part of ingest.Runner the server drives. Both methods return
// ingest.ErrRunInProgress while another run holds the runner.
type Runner interface {
	Run(ctx context.Context, mode types.Mode) (ingest.Summary, error)
	Cycle(ctx context.Context) ([]ingest.Summary, error)
}

// tokenVerifier validates a Google-issued ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the trigger endpoints.
type Server struct {
	runner Runner

	listenAddr string
	httpServer *http.Server

	verifier      tokenVerifier
	triggerEmails []string
	serverName    string
}

// New returns a Server without authentication.
func New(r Runner, listenAddr string) *Server {
	return &Server{runner: r, listenAddr: listenAddr, serverName: "sunledger"}
}

// Configured initializes the Server and registers its flags.
func Configured(r Runner) *Server {
	srv := New(r, "")
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the ID tokens sent to the trigger endpoints")
	oidcAudience := lflag.String("oidc-audience", "", "Audience to validate on trigger ID tokens, empty disables authentication")
	triggerEmails := lflag.String("trigger-emails", "", "comma-delimited list of service account emails allowed to trigger runs")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		for _, email := range strings.Split(*triggerEmails, ",") {
			if email = strings.TrimSpace(email); email != "" {
				srv.triggerEmails = append(srv.triggerEmails, email)
			}
		}
		if *oidcAudience == "" {
			log.Ctx(context.Background()).Warn("oidc-audience not set, trigger endpoints are unauthenticated")
			return
		}
		if len(srv.triggerEmails) == 0 {
			panic("trigger-emails is required when oidc-audience is set")
		}
		provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize OIDC provider: %v", err))
		}
		srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/ingest/historical", s.handleRun(types.ModeHistorical))
	apiMux.HandleFunc("POST /api/ingest/realtime", s.handleRun(types.ModeRealtime))
	apiMux.HandleFunc("POST /api/ingest/cycle", s.handleCycle)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// in-flight runs see the cancellation through their request context and drain
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleRun(mode types.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sum, err := s.runner.Run(ctx, mode)
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "ingestion run failed", slog.String("mode", string(mode)), slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("%s run failed: %v", mode, err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, sum)
	}
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sums, err := s.runner.Cycle(ctx)
	if errors.Is(err, ingest.ErrRunInProgress) {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "ingestion cycle failed", slog.Int("completedRuns", len(sums)), slog.Any("error", err))
		writeJSONError(w, fmt.Sprintf("cycle failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sums)
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}
