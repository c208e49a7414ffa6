// ABOUTME: Request handlers for connections and bot profiles.
// ABOUTME: Owner scoping comes from the JWT middleware on every route.

package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/weavelink/weave-gateway/internal/auth"
	"github.com/weavelink/weave-gateway/internal/connection"
	"github.com/weavelink/weave-gateway/internal/store"
)

type createConnectionRequest struct {
	ConnectionName string `json:"connection_name"`
	BotProfileID   string `json:"bot_profile_id"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())

	var req createConnectionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.connections.InitializeSession(r.Context(), req.ConnectionName, req.BotProfileID, ownerID, false); err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.connections.GetStatus(r.Context(), req.ConnectionName, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

type qrResponse struct {
	ConnectionName string            `json:"connection_name"`
	Status         connection.Status `json:"status"`
	QR             string            `json:"qr,omitempty"`
}

func (s *Server) handleGetQR(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	name := r.PathValue("name")

	qr, status, err := s.connections.GetQRCode(r.Context(), name, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status == connection.StatusNotFound {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("connection %q not found", name)})
		return
	}

	// ?format=png renders the payload as a scannable image.
	if qr != "" && r.URL.Query().Get("format") == "png" {
		png, err := qrcode.Encode(qr, qrcode.Medium, 256)
		if err != nil {
			s.writeError(w, fmt.Errorf("rendering qr code: %w", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}

	s.writeJSON(w, http.StatusOK, qrResponse{ConnectionName: name, Status: status, QR: qr})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	name := r.PathValue("name")

	info, err := s.connections.GetStatus(r.Context(), name, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if info.Status == connection.StatusNotFound {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("connection %q not found", name)})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	name := r.PathValue("name")

	var req sendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.connections.SendMessage(r.Context(), name, ownerID, req.To, req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	name := r.PathValue("name")
	force := r.URL.Query().Get("force") == "true"

	// The close path itself is not owner-scoped (the dispatcher reuses it
	// internally), so ownership is checked here before tearing anything down.
	info, err := s.connections.GetStatus(r.Context(), name, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if info.Status == connection.StatusNotFound {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("connection %q not found", name)})
		return
	}

	final, err := s.connections.CloseSession(r.Context(), name, force, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connection_name": name,
		"final_status":    final,
	})
}

type createProfileRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())

	var req createProfileRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "profile name is required"})
		return
	}

	now := time.Now().UTC()
	profile := &store.BotProfile{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateBotProfile(r.Context(), profile); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "creating profile"})
		s.logger.Error("creating bot profile", "owner", ownerID, "error", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())

	profiles, err := s.store.ListBotProfiles(r.Context(), ownerID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "listing profiles"})
		s.logger.Error("listing bot profiles", "owner", ownerID, "error", err)
		return
	}
	if profiles == nil {
		profiles = []*store.BotProfile{}
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetProfileEnabled(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	id := r.PathValue("id")

	var req setEnabledRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.store.SetBotProfileEnabled(r.Context(), id, ownerID, req.Enabled); err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("profile %q not found", id)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}
