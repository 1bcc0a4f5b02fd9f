// Package http provides the relay server's HTTP surface: the websocket
// endpoint, identity registration and directory lookups.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/GophChat/internal/middleware"
	"github.com/atinyakov/GophChat/internal/models"
	"github.com/atinyakov/GophChat/internal/service"
	"go.uber.org/zap"
)

// DirectoryService defines the directory operations required by the HTTP
// handlers.
type DirectoryService interface {
	// UserExists checks whether a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// Register adds login, failing with service.ErrUserExists when taken.
	Register(ctx context.Context, login string) error
	// Lookup returns one user or service.ErrUserNotFound.
	Lookup(ctx context.Context, login string) (models.User, error)
	// Search lists users whose login contains query.
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
}

// CertIssuer signs device certificates whose Common Name is the user id.
type CertIssuer interface {
	IssueDevice(userID string) (certPEM, keyPEM []byte, err error)
}

// AuthHandler handles HTTP requests for user registration and login.
type AuthHandler struct {
	// Directory performs the underlying directory operations.
	Directory DirectoryService
	// Issuer is optional; without it registration returns no credentials.
	Issuer CertIssuer
	// Tickets is optional; with it Login also returns a websocket ticket.
	Tickets *middleware.Tickets
	Log     *zap.Logger
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	// Login is the username to register.
	Login string `json:"login"`
}

// RegisterResponse carries the registered id and, when the server holds a
// CA key, the device's PEM-encoded certificate and private key.
type RegisterResponse struct {
	Login string `json:"login"`
	Cert  string `json:"cert,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Register handles POST /api/register.
// The certificate is issued before the user is saved so that a signing
// failure leaves no half-registered login behind.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	exists, err := h.Directory.UserExists(r.Context(), req.Login)
	if err != nil {
		h.logger().Error("failed to check user", zap.String("login", req.Login), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	resp := RegisterResponse{Login: req.Login}
	if h.Issuer != nil {
		certPEM, keyPEM, err := h.Issuer.IssueDevice(req.Login)
		if err != nil {
			h.logger().Error("failed to issue certificate", zap.String("login", req.Login), zap.Error(err))
			http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
			return
		}
		resp.Cert, resp.Key = string(certPEM), string(keyPEM)
	}

	if err := h.Directory.Register(r.Context(), req.Login); err != nil {
		switch {
		case errors.Is(err, service.ErrUserExists):
			http.Error(w, "user already exists", http.StatusConflict)
		case errors.Is(err, service.ErrInvalidLogin):
			http.Error(w, "invalid request", http.StatusBadRequest)
		default:
			h.logger().Error("failed to save user", zap.String("login", req.Login), zap.Error(err))
			http.Error(w, "failed to save user", http.StatusInternalServerError)
		}
		return
	}

	h.logger().Info("user registered", zap.String("login", req.Login))
	writeJSON(w, http.StatusCreated, resp)
}

// Login handles certificate-based login requests.
// The CommonName from the client certificate is used as the login.
// If the user exists, it returns a JSON status "ok" and the username.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	login := r.TLS.PeerCertificates[0].Subject.CommonName

	exists, err := h.Directory.UserExists(r.Context(), login)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "user not found", http.StatusForbidden)
		return
	}

	resp := map[string]string{
		"status": "ok",
		"user":   login,
	}
	if h.Tickets != nil {
		token, err := h.Tickets.Issue(login)
		if err != nil {
			h.logger().Error("failed to issue ticket", zap.String("user", login), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp["token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
