package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/profitelligence/mcp-server/pkg/auth"
)

// healthHandler reports liveness. No credential required: orchestrators
// probe it before the flow config is even valid.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "profitelligence-mcp",
	})
}

// identityResponse is the body of /v1/me.
type identityResponse struct {
	Method    string `json:"method"`
	Subject   string `json:"subject,omitempty"`
	Email     string `json:"email,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// meHandler echoes the resolved identity of the calling request. Useful
// for verifying a deployment's auth wiring without invoking any tools.
func meHandler(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no identity resolved", http.StatusInternalServerError)
		return
	}

	resp := identityResponse{
		Method:  string(ac.Method),
		Subject: ac.Subject,
		Email:   ac.Email,
	}
	if !ac.ExpiresAt.IsZero() {
		resp.ExpiresAt = ac.ExpiresAt.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
