package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/justinmoon/pocketide/internal/events"
	"github.com/justinmoon/pocketide/internal/gitcred"
	"github.com/justinmoon/pocketide/internal/identity"
	"go.uber.org/zap"
)

var validate = validator.New()

// API response helpers

func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func apiError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

type gitConfigureRequest struct {
	UserID      string `json:"userId" validate:"required"`
	WorkspaceID string `json:"workspaceId" validate:"required"`
}

// decodeGitRequest reads and validates a gitConfigureRequest, writing a 400
// and returning false on failure.
func decodeGitRequest(w http.ResponseWriter, r *http.Request) (identity.Identified, bool) {
	var req gitConfigureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		apiError(w, "invalid JSON body", http.StatusBadRequest)
		return identity.Identified{}, false
	}
	if err := validate.Struct(req); err != nil {
		apiError(w, "userId and workspaceId are required", http.StatusBadRequest)
		return identity.Identified{}, false
	}

	id, err := identity.FromRequest(req.UserID, req.WorkspaceID)
	if err != nil {
		apiError(w, err.Error(), http.StatusBadRequest)
		return identity.Identified{}, false
	}
	return id.(identity.Identified), true
}

// handleGitConfigure applies the user's stored credential to one of their
// workspaces, creating the workspace if needed.
func (s *Server) handleGitConfigure(w http.ResponseWriter, r *http.Request) {
	ident, ok := decodeGitRequest(w, r)
	if !ok {
		return
	}

	cred, err := s.git.Store.Get(r.Context(), ident.UserID)
	if errors.Is(err, gitcred.ErrNoCredential) {
		apiError(w, "no git credential stored for user", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to load git credential", zap.String("user_id", ident.UserID), zap.Error(err))
		apiError(w, "failed to load git credential", http.StatusInternalServerError)
		return
	}

	ws, err := s.workspaces.Resolve(ident)
	if err != nil {
		s.log.Error("failed to prepare workspace", zap.String("user_id", ident.UserID), zap.Error(err))
		apiError(w, "failed to prepare workspace", http.StatusInternalServerError)
		return
	}

	if err := s.git.Configure(r.Context(), ident, ws, cred); err != nil {
		s.log.Warn("git configuration failed", zap.String("user_id", ident.UserID), zap.Error(err))
		apiError(w, err.Error(), http.StatusBadGateway)
		return
	}

	jsonResponse(w, map[string]string{
		"status":   "configured",
		"username": cred.Username,
	}, http.StatusOK)
}

// handleGitUnconfigure removes the credential helper written for a workspace.
// The stored credential itself is left alone.
func (s *Server) handleGitUnconfigure(w http.ResponseWriter, r *http.Request) {
	ident, ok := decodeGitRequest(w, r)
	if !ok {
		return
	}
	if err := s.git.Remove(ident); err != nil {
		s.log.Error("failed to remove credential helper", zap.String("user_id", ident.UserID), zap.Error(err))
		apiError(w, "failed to remove credential helper", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "removed"}, http.StatusOK)
}

// handleEvents streams terminal lifecycle events as server-sent events.
// With ?userId= only that user's events are sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID != "" {
		if err := identity.ValidateID(userID); err != nil {
			apiError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if !s.eventBus.IsActive() {
		apiError(w, "event streaming not available (NATS not configured)", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apiError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	eventCh := make(chan events.Event, 100)
	handler := func(e events.Event) {
		select {
		case eventCh <- e:
		default:
			// Slow reader; drop.
		}
	}

	var unsubscribe func()
	var err error
	if userID != "" {
		unsubscribe, err = s.eventBus.SubscribeUser(userID, handler)
	} else {
		unsubscribe, err = s.eventBus.SubscribeAll(handler)
	}
	if err != nil {
		s.log.Error("failed to subscribe to terminal events", zap.Error(err))
		apiError(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case event := <-eventCh:
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
