package echo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	linkd "github.com/clinio/linkd"
	"github.com/clinio/linkd/domain"
	"github.com/clinio/linkd/idp"
	"github.com/clinio/linkd/inmem"
)

type stubTransport struct{}

func (stubTransport) IssuePairingChallenge(_ context.Context, agentID string) ([]byte, error) {
	return []byte("challenge:" + agentID), nil
}

type stubRefresher struct {
	result *idp.RefreshResult
	err    error
}

func (s *stubRefresher) Refresh(context.Context, string) (*idp.RefreshResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newTestAPI(t *testing.T, refresher idp.TokenRefresher) (*echo.Echo, *inmem.CredentialRepository) {
	t.Helper()

	sessionRepo := inmem.NewSessionRepository()
	credRepo := inmem.NewCredentialRepository()
	dispatcher := linkd.NewDispatcher()
	t.Cleanup(dispatcher.Close)

	sessions := linkd.NewSessionService(sessionRepo, stubTransport{}, dispatcher, 90*time.Second, 3)
	credentials := linkd.NewCredentialService(credRepo, refresher, nil, dispatcher, 5*time.Minute, 1)

	e := echo.New()
	NewLifecycleAPI(sessions, credentials).RegisterRoutes(e)
	return e, credRepo
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPairingRoundTripOverHTTP(t *testing.T) {
	e, _ := newTestAPI(t, &stubRefresher{})

	rec := doJSON(e, http.MethodPost, "/agents/A1/pairing", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var info linkd.PairingInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "A1", info.AgentID)
	require.NotEmpty(t, info.Token)

	rec = doJSON(e, http.MethodPost, "/transport/confirm",
		`{"token":"`+info.Token+`","remote_identity":"5547999000001"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var status linkd.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.SessionStateConnected, status.State)
	assert.Equal(t, "5547999000001", status.PairedIdentity)

	rec = doJSON(e, http.MethodGet, "/agents/A1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Pairing again while connected conflicts.
	rec = doJSON(e, http.MethodPost, "/agents/A1/pairing", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/agents/A1/session", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfirmWithBadTokenOverHTTP(t *testing.T) {
	e, _ := newTestAPI(t, &stubRefresher{})

	rec := doJSON(e, http.MethodPost, "/transport/confirm",
		`{"token":"bogus","remote_identity":"5547999000001"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEnsureTokenOverHTTP(t *testing.T) {
	refresher := &stubRefresher{}
	e, credRepo := newTestAPI(t, refresher)

	body := `{"tenant":"clinic-1","provider":"google","account":"cal-primary"}`

	rec := doJSON(e, http.MethodPost, "/credentials/ensure", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, credRepo.Put(context.Background(), &domain.CredentialRecord{
		Key:           domain.CredentialKey{Tenant: "clinic-1", Provider: "google", Account: "cal-primary"},
		AccessToken:   "access-0",
		RefreshToken:  "refresh-0",
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		LastRefreshed: time.Now().UTC(),
	}))

	rec = doJSON(e, http.MethodPost, "/credentials/ensure", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access-0")

	rec = doJSON(e, http.MethodPost, "/credentials/revoke", body)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(e, http.MethodPost, "/credentials/ensure", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
