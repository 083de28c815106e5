package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

// ConnectResponse is returned instead of a redirect when the client asks for JSON.
type ConnectResponse struct {
	AuthURL string `json:"auth_url"`
}

// ConnectionResponse for GET /contacts/google/callback
type ConnectionResponse struct {
	Status       string   `json:"status"`
	Provider     string   `json:"provider"`
	AccountEmail string   `json:"account_email,omitempty"`
	Scopes       []string `json:"scopes"`
}

// GoogleHandler links and unlinks the owner's Google account.
type GoogleHandler struct {
	connections services.GoogleConnectionService
	logger      *zap.Logger
}

// NewGoogleHandler creates a new Google connection handler.
func NewGoogleHandler(connections services.GoogleConnectionService, logger *zap.Logger) *GoogleHandler {
	return &GoogleHandler{
		connections: connections,
		logger:      logger,
	}
}

// RegisterRoutes registers the Google handler's routes on the given mux.
// The callback is reached by the browser returning from consent and carries no
// bearer token; the one-time state identifies the owner.
func (h *GoogleHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware AuthMiddleware, ownerMiddleware OwnerMiddleware) {
	mux.HandleFunc("GET /contacts/google/connect", authMiddleware(h.Connect))
	mux.HandleFunc("GET /contacts/google/callback", h.Callback)
	mux.HandleFunc("DELETE /contacts/google/connection", authMiddleware(ownerMiddleware(h.Disconnect)))
}

// Connect handles GET /contacts/google/connect
// Redirects to Google's consent screen, or returns the URL when Accept is application/json.
func (h *GoogleHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	authURL, err := h.connections.ConnectURL(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		if err := WriteJSON(w, http.StatusOK, ConnectResponse{AuthURL: authURL}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /contacts/google/callback?state&code
func (h *GoogleHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		h.logger.Info("Google consent was not granted", zap.String("error", denied))
		if err := ErrorResponse(w, http.StatusBadRequest, "consent_denied", "Google account access was not granted"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeServiceError(w, r, &apperrors.ValidationError{Message: "state and code are required"}, h.logger)
		return
	}

	cred, err := h.connections.Complete(r.Context(), state, code)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	response := ConnectionResponse{
		Status:       "connected",
		Provider:     cred.Provider,
		AccountEmail: models.StringValue(cred.AccountEmail),
		Scopes:       cred.Scopes,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Disconnect handles DELETE /contacts/google/connection
func (h *GoogleHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.connections.Disconnect(r.Context(), ownerID); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
