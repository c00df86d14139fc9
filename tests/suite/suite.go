package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"wheelauth/internal/app"
	"wheelauth/internal/config"
	"wheelauth/internal/lib/password"
	authservice "wheelauth/internal/services/auth"
	"wheelauth/internal/storage/sqlite"
)

const JWTSecret = "test-secret"

// Suite boots the full HTTP surface in-process over a throwaway sqlite
// database and exposes a thin JSON client for the auth endpoints.
type Suite struct {
	*testing.T
	Cfg    *config.Config
	server *httptest.Server
}

func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	cfg := &config.Config{
		Env: "prod",
		Storage: config.StorageConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "wheelauth.db"),
			OpTimeout:  5 * time.Second,
		},
		Tokens: config.TokensConfig{
			JWTSecret:     JWTSecret,
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			RefreshPepper: "test-pepper",
		},
	}

	storage, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	applySchema(t, cfg.Storage.SQLitePath)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := authservice.New(
		logger,
		storage,
		storage,
		password.NewHasher(),
		cfg.Tokens.JWTSecret,
		cfg.Tokens.AccessTTL,
		cfg.Tokens.RefreshTTL,
		cfg.Tokens.RefreshPepper,
		cfg.Storage.OpTimeout,
	)

	server := httptest.NewServer(app.NewRouter(logger, service, cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(func() {
		cancel()
		server.Close()
		_ = storage.Close()
	})

	return ctx, &Suite{
		T:      t,
		Cfg:    cfg,
		server: server,
	}
}

func applySchema(t *testing.T, dbPath string) {
	t.Helper()

	m, err := migrate.New("file://../migrations", "sqlite3://"+dbPath)
	if err != nil {
		t.Fatalf("failed to init migrator: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		t.Fatalf("failed to close migrator: %v / %v", srcErr, dbErr)
	}
}

// Response is a decoded JSON response plus its status code.
type Response struct {
	Status int
	Body   map[string]any
}

func (r Response) Str(key string) string {
	v, _ := r.Body[key].(string)
	return v
}

func (r Response) User() map[string]any {
	u, _ := r.Body["user"].(map[string]any)
	return u
}

func (s *Suite) Register(ctx context.Context, email, pass, fullName string) Response {
	return s.post(ctx, "/auth/register", map[string]any{
		"email":    email,
		"password": pass,
		"fullName": fullName,
	}, "")
}

func (s *Suite) Login(ctx context.Context, email, pass string) Response {
	return s.post(ctx, "/auth/login", map[string]any{
		"email":    email,
		"password": pass,
	}, "")
}

func (s *Suite) Refresh(ctx context.Context, refreshToken string) Response {
	return s.post(ctx, "/auth/refresh", map[string]any{
		"refreshToken": refreshToken,
	}, "")
}

func (s *Suite) Logout(ctx context.Context, accessToken string) Response {
	return s.post(ctx, "/auth/logout", map[string]any{}, accessToken)
}

func (s *Suite) Me(ctx context.Context, accessToken string) Response {
	return s.do(ctx, http.MethodGet, "/auth/me", nil, accessToken)
}

func (s *Suite) post(ctx context.Context, path string, body map[string]any, bearer string) Response {
	s.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		s.Errorf("failed to marshal request: %v", err)
		return Response{}
	}
	return s.do(ctx, http.MethodPost, path, payload, bearer)
}

// do reports request failures with Errorf rather than Fatalf so that tests
// may call it from spawned goroutines; a failed request comes back as a
// zero Response, which no expected-status assertion matches.
func (s *Suite) do(ctx context.Context, method, path string, payload []byte, bearer string) Response {
	s.Helper()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.server.URL+path, body)
	if err != nil {
		s.Errorf("failed to build request: %v", err)
		return Response{}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.server.Client().Do(req)
	if err != nil {
		s.Errorf("request failed: %v", err)
		return Response{}
	}
	defer resp.Body.Close()

	decoded := make(map[string]any)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.Errorf("failed to read response: %v", err)
		return Response{}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.Errorf("failed to decode response %q: %v", raw, err)
			return Response{}
		}
	}

	return Response{Status: resp.StatusCode, Body: decoded}
}
