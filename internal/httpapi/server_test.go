// ABOUTME: Tests for the HTTP API routes against a stubbed connection service.
// ABOUTME: Covers auth enforcement, error mapping, and the QR formats.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavelink/weave-gateway/internal/auth"
	"github.com/weavelink/weave-gateway/internal/connection"
	"github.com/weavelink/weave-gateway/internal/store"
)

type initCall struct {
	Name, Profile, Owner string
	Retry                bool
}

type closeCall struct {
	Name  string
	Force bool
}

// stubService is a scriptable ConnectionService.
type stubService struct {
	mu sync.Mutex

	initErr   error
	initCalls []initCall

	qr       string
	qrStatus connection.Status
	qrErr    error

	statusInfo connection.StatusInfo
	statusErr  error

	sendErr   error
	sendCalls []string

	closeStatus connection.Status
	closeErr    error
	closeCalls  []closeCall
}

func (s *stubService) InitializeSession(ctx context.Context, name, botProfileID, ownerID string, isRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls = append(s.initCalls, initCall{name, botProfileID, ownerID, isRetry})
	return s.initErr
}

func (s *stubService) GetQRCode(ctx context.Context, name, ownerID string) (string, connection.Status, error) {
	return s.qr, s.qrStatus, s.qrErr
}

func (s *stubService) GetStatus(ctx context.Context, name, ownerID string) (connection.StatusInfo, error) {
	info := s.statusInfo
	info.Name = name
	return info, s.statusErr
}

func (s *stubService) SendMessage(ctx context.Context, name, ownerID, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls = append(s.sendCalls, name+":"+to+":"+text)
	return s.sendErr
}

func (s *stubService) CloseSession(ctx context.Context, name string, force, fromAuthFailure bool) (connection.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls = append(s.closeCalls, closeCall{name, force})
	return s.closeStatus, s.closeErr
}

type apiFixture struct {
	svc      *stubService
	store    *store.MockStore
	verifier *auth.JWTVerifier
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	svc := &stubService{
		qrStatus:    connection.StatusQRReady,
		statusInfo:  connection.StatusInfo{Status: connection.StatusConnected, Source: "memory"},
		closeStatus: connection.StatusClosedManual,
	}
	st := store.NewMockStore()
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	srv := New(Config{
		Addr:        "127.0.0.1:0",
		Connections: svc,
		Store:       st,
		Verifier:    verifier,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &apiFixture{svc: svc, store: st, verifier: verifier, handler: srv.Handler()}
}

func (f *apiFixture) request(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if owner != "" {
		token, err := f.verifier.Generate(owner, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/connections", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.svc.initCalls)
}

func TestHealthEndpointsOpen(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.store.SetPingError(fmt.Errorf("locked"))
	rec = f.request(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateConnection(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/connections", "owner-1", map[string]string{
		"connection_name": "conn-a",
		"bot_profile_id":  "prof-1",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.svc.initCalls, 1)
	call := f.svc.initCalls[0]
	assert.Equal(t, initCall{"conn-a", "prof-1", "owner-1", false}, call)

	var info connection.StatusInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, connection.StatusConnected, info.Status)
}

func TestCreateConnectionErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", fmt.Errorf("%w: name required", connection.ErrValidation), http.StatusBadRequest},
		{"conflict", fmt.Errorf("%w: already active", connection.ErrConflict), http.StatusConflict},
		{"not found", fmt.Errorf("%w: profile", connection.ErrNotFound), http.StatusNotFound},
		{"authorization", fmt.Errorf("%w: disabled", connection.ErrAuthorization), http.StatusForbidden},
		{"engine", fmt.Errorf("%w: handshake", connection.ErrExternalClient), http.StatusBadGateway},
		{"persistence", fmt.Errorf("%w: db down", connection.ErrPersistence), http.StatusServiceUnavailable},
		{"shutdown", fmt.Errorf("%w: draining", connection.ErrShuttingDown), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.svc.initErr = tt.err
			rec := f.request(t, http.MethodPost, "/api/connections", "owner-1", map[string]string{
				"connection_name": "conn-a",
				"bot_profile_id":  "prof-1",
			})
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestGetQRAsJSON(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.qr = "2@pairing-payload"

	rec := f.request(t, http.MethodGet, "/api/connections/conn-a/qr", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp qrResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2@pairing-payload", resp.QR)
	assert.Equal(t, connection.StatusQRReady, resp.Status)
}

func TestGetQRAsPNG(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.qr = "2@pairing-payload"

	rec := f.request(t, http.MethodGet, "/api/connections/conn-a/qr?format=png", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")), "response is a PNG image")
}

func TestGetQRNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.qrStatus = connection.StatusNotFound

	rec := f.request(t, http.MethodGet, "/api/connections/ghost/qr", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/connections/conn-a/status", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info connection.StatusInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "conn-a", info.Name)
	assert.Equal(t, connection.StatusConnected, info.Status)
}

func TestGetStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.statusInfo = connection.StatusInfo{Status: connection.StatusNotFound, Source: "store"}

	rec := f.request(t, http.MethodGet, "/api/connections/ghost/status", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/connections/conn-a/messages", "owner-1", map[string]string{
		"to":   "15557770000@c.us",
		"text": "hello",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.svc.sendCalls, 1)
	assert.Equal(t, "conn-a:15557770000@c.us:hello", f.svc.sendCalls[0])
}

func TestSendMessageNotConnected(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.sendErr = fmt.Errorf("%w: connection is qr_ready", connection.ErrNotConnected)

	rec := f.request(t, http.MethodPost, "/api/connections/conn-a/messages", "owner-1", map[string]string{
		"to": "x", "text": "y",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCloseConnection(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodDelete, "/api/connections/conn-a?force=true", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.svc.closeCalls, 1)
	assert.Equal(t, closeCall{"conn-a", true}, f.svc.closeCalls[0])
}

func TestCloseConnectionChecksOwnershipFirst(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.statusInfo = connection.StatusInfo{Status: connection.StatusNotFound, Source: "store"}

	rec := f.request(t, http.MethodDelete, "/api/connections/conn-a", "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.svc.closeCalls, "close is never reached for foreign connections")
}

func TestProfileLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/profiles", "owner-1", map[string]string{
		"name":          "support bot",
		"system_prompt": "You answer support questions.",
		"model":         "gpt-4o-mini",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.BotProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	rec = f.request(t, http.MethodGet, "/api/profiles", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*store.BotProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = f.request(t, http.MethodPut, "/api/profiles/"+created.ID+"/enabled", "owner-1", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	// Other owners see nothing.
	rec = f.request(t, http.MethodGet, "/api/profiles", "owner-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var other []*store.BotProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &other))
	assert.Empty(t, other)
}

func TestCreateProfileValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/profiles", "owner-1", map[string]string{
		"system_prompt": "no name",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
