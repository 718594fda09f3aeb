package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	linkd "github.com/clinio/linkd"
	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

// LifecycleAPI exposes the manager's operations over HTTP. It is a thin
// layer: every handler maps straight onto one service call and translates
// the typed errors into actionable responses.
type LifecycleAPI struct {
	sessions    *linkd.SessionService
	credentials *linkd.CredentialService
}

// NewLifecycleAPI initializes the API.
func NewLifecycleAPI(sessions *linkd.SessionService, credentials *linkd.CredentialService) *LifecycleAPI {
	return &LifecycleAPI{
		sessions:    sessions,
		credentials: credentials,
	}
}

// RegisterRoutes registers the lifecycle routes.
func (a *LifecycleAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/agents/:id/pairing", a.RequestPairingHandler)
	e.DELETE("/agents/:id/session", a.DisconnectHandler)
	e.GET("/agents/:id/session", a.SessionStatusHandler)
	e.POST("/transport/confirm", a.ConfirmPairingHandler)

	e.POST("/credentials/ensure", a.EnsureTokenHandler)
	e.POST("/credentials/revoke", a.RevokeCredentialHandler)

	e.GET("/healthz", a.HealthzHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// RequestPairingHandler issues a fresh pairing token for the agent.
func (a *LifecycleAPI) RequestPairingHandler(c echo.Context) error {
	agentID := c.Param("id")

	info, err := a.sessions.RequestPairing(c.Request().Context(), agentID)
	if err != nil {
		if errors.Is(err, serrors.ErrAlreadyConnected) {
			return c.JSON(http.StatusConflict, errorResponse{
				Error:  "already_connected",
				Detail: "disconnect the agent before requesting a new pairing",
			})
		}
		log.Error().Err(err).Str("agent_id", agentID).Msg("pairing request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}

	return c.JSON(http.StatusCreated, info)
}

type confirmRequest struct {
	Token          string `json:"token"`
	RemoteIdentity string `json:"remote_identity"`
}

// ConfirmPairingHandler is the transport's inbound confirmation entry point.
func (a *LifecycleAPI) ConfirmPairingHandler(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
	}

	status, err := a.sessions.ConfirmPairing(c.Request().Context(), req.Token, req.RemoteIdentity)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrInvalidPairingToken):
			return c.JSON(http.StatusUnprocessableEntity, errorResponse{
				Error:  "invalid_pairing_token",
				Detail: "request a new pairing and scan again",
			})
		case errors.Is(err, serrors.ErrPairingExpired):
			return c.JSON(http.StatusGone, errorResponse{
				Error:  "pairing_expired",
				Detail: "the code expired, request a new pairing",
			})
		default:
			log.Error().Err(err).Msg("pairing confirmation failed")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
		}
	}

	return c.JSON(http.StatusOK, status)
}

// DisconnectHandler gracefully unpairs the agent. Idempotent.
func (a *LifecycleAPI) DisconnectHandler(c echo.Context) error {
	agentID := c.Param("id")

	if err := a.sessions.Disconnect(c.Request().Context(), agentID); err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("disconnect failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// SessionStatusHandler reports the agent's current session state.
func (a *LifecycleAPI) SessionStatusHandler(c echo.Context) error {
	agentID := c.Param("id")

	status, err := a.sessions.GetSessionStatus(c.Request().Context(), agentID)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("status lookup failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
	return c.JSON(http.StatusOK, status)
}

type credentialRequest struct {
	Tenant   string `json:"tenant"`
	Provider string `json:"provider"`
	Account  string `json:"account"`
}

func (r credentialRequest) key() domain.CredentialKey {
	return domain.CredentialKey{Tenant: r.Tenant, Provider: r.Provider, Account: r.Account}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// EnsureTokenHandler returns a currently-valid access token for the
// credential, refreshing it first when needed.
func (a *LifecycleAPI) EnsureTokenHandler(c echo.Context) error {
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
	}

	token, err := a.credentials.EnsureValid(c.Request().Context(), req.key())
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrCredentialNotFound):
			return c.JSON(http.StatusNotFound, errorResponse{Error: "credential_not_found"})
		case errors.Is(err, serrors.ErrCredentialExpired):
			return c.JSON(http.StatusUnauthorized, errorResponse{
				Error:  "credential_expired",
				Detail: "re-connect the account to authorize again",
			})
		case errors.Is(err, serrors.ErrTransient):
			return c.JSON(http.StatusBadGateway, errorResponse{Error: "provider_unreachable"})
		default:
			log.Error().Err(err).Msg("ensure token failed")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
		}
	}

	return c.JSON(http.StatusOK, tokenResponse{AccessToken: token})
}

// RevokeCredentialHandler marks the credential revoked. Idempotent.
func (a *LifecycleAPI) RevokeCredentialHandler(c echo.Context) error {
	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
	}

	if err := a.credentials.Revoke(c.Request().Context(), req.key()); err != nil {
		if errors.Is(err, serrors.ErrCredentialNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "credential_not_found"})
		}
		log.Error().Err(err).Msg("revoke failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// HealthzHandler reports process liveness.
func (a *LifecycleAPI) HealthzHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
