// Package api serves the identity service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trustchain/go-backend/internal/envelope"
	"trustchain/go-backend/internal/identity"
	"trustchain/go-backend/internal/keys"
	"trustchain/go-backend/internal/platform/ratelimiter"
	"trustchain/go-backend/internal/requestauth"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/pkg/models"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Identity is the part of identity.Service the API calls.
type Identity interface {
	CreateAccount(ctx context.Context, env envelope.Envelope) (sigchain.Entry, error)
	Submit(ctx context.Context, accountID string, env envelope.Envelope, seqno uint64, prevHash string) (sigchain.Entry, error)
	RotateRoot(ctx context.Context, accountID string, env envelope.Envelope, seqno uint64, prevHash string) (sigchain.Entry, error)
	Approve(ctx context.Context, env envelope.Envelope) (sigchain.Approval, bool, error)
	Account(ctx context.Context, accountID string) (models.Account, error)
	Devices(ctx context.Context, accountID string) ([]models.Device, error)
	Policy(ctx context.Context, accountID string) (models.RecoveryPolicy, bool, error)
	Endorsements(ctx context.Context, accountID string) ([]models.Endorsement, error)
	Chain(ctx context.Context, accountID string, fromSeqno uint64) ([]sigchain.Entry, error)
	StoreBackup(ctx context.Context, accountID string, writer keys.Kid, blob []byte) (sigchain.Backup, error)
	LoadBackup(ctx context.Context, accountID string) (sigchain.Backup, error)
	AccountByUsername(ctx context.Context, username string) (models.Account, error)
	BackupByUsername(ctx context.Context, username string) (sigchain.Backup, error)
	ResolveDevice(ctx context.Context, kid keys.Kid) (identity.DeviceKey, error)
}

// AuthRecorder counts request authentication outcomes.
type AuthRecorder interface {
	RequestAuth(result string)
}

type Options struct {
	Logger  *slog.Logger
	Metrics AuthRecorder
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	AuthWindow     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	svc            Identity
	auth           *requestauth.Authenticator
	limiter        *ratelimiter.Buckets
	log            *slog.Logger
	metrics        AuthRecorder
	metricsHandler http.Handler
	router         chi.Router
}

type nopAuthRecorder struct{}

func (nopAuthRecorder) RequestAuth(string) {}

func NewServer(svc Identity, opts Options) *Server {
	s := &Server{
		svc:            svc,
		limiter:        ratelimiter.New(ratelimiter.Config{RPS: opts.RateLimitRPS, Burst: opts.RateLimitBurst}),
		log:            opts.Logger,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopAuthRecorder{}
	}
	s.auth = requestauth.New(deviceResolver{svc: svc}, opts.AuthWindow)
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID, s.accessLog, s.rateLimit)
	r.Get("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/accounts", s.handleCreateAccount)
		v1.Route("/accounts/{accountID}", func(acc chi.Router) {
			acc.Get("/", s.handleGetAccount)
			acc.Get("/chain", s.handleChain)
			acc.Post("/events", s.handleSubmit)
			acc.Get("/devices", s.handleDevices)
			acc.Patch("/devices/{deviceID}", s.handleRenameDevice)
			acc.Get("/endorsements", s.handleEndorsements)
			acc.Post("/recovery/rotate", s.handleRotate)
			acc.Put("/backup", s.handlePutBackup)
			acc.Get("/backup", s.handleGetBackup)
		})
		v1.Get("/usernames/{username}", s.handleUsername)
		v1.Get("/usernames/{username}/backup", s.handleUsernameBackup)
		v1.Post("/recovery/approvals", s.handleApprove)
		v1.Get("/me", s.handleMe)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

type requestIDKey struct{}

func newRequestID() string { return "req_" + uuid.NewString() }

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return newRequestID()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeOK(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	body["request_id"] = requestIDFrom(r.Context())
	writeJSON(w, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	s.writeCode(w, r, e.status, e.code, e.message)
}

func (s *Server) writeCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": requestIDFrom(r.Context()),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return io.ReadAll(r.Body)
}

// deviceResolver adapts identity device lookups to request authentication.
type deviceResolver struct {
	svc Identity
}

func (d deviceResolver) ResolveDevice(ctx context.Context, kid keys.Kid) (requestauth.Device, error) {
	key, err := d.svc.ResolveDevice(ctx, kid)
	if errors.Is(err, identity.ErrDeviceNotFound) {
		return requestauth.Device{}, requestauth.ErrUnknownDevice
	}
	if err != nil {
		return requestauth.Device{}, err
	}
	return requestauth.Device{
		AccountID: key.AccountID,
		DeviceID:  key.Device.ID,
		Kid:       kid,
		PublicKey: key.PublicKey,
		Active:    key.Usable,
	}, nil
}
