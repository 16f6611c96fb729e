package api

import (
	"encoding/json"
	"net/http"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
)

// handleGetConfig/handlePutConfig serve the opaque key/value store at
// /api/config (§6: "external collaborator domain").
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.kv.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "config store not configured"))
		return
	}
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid JSON body"))
		return
	}
	if err := s.kv.Put(values); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "failed to persist config", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type registerRemoteRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// handleRegisterRemote / handleRefreshRemoteSessions are HQ-only endpoints
// (§6); when this process isn't running as HQ (no RemoteRouter registered
// with remote-accepting capability) they 400.
func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	registrar, ok := s.remote.(RemoteRegistrar)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "this server is not running in HQ mode"))
		return
	}
	var req registerRemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid JSON body"))
		return
	}
	token, err := registrar.RegisterRemote(req.Name, req.URL, req.Token)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleRefreshRemoteSessions(w http.ResponseWriter, r *http.Request) {
	registrar, ok := s.remote.(RemoteRegistrar)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "this server is not running in HQ mode"))
		return
	}
	name := r.PathValue("name")
	if !registrar.AuthenticateRemoteRequest(name, r) {
		apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, "invalid remote credential"))
		return
	}
	if err := registrar.RefreshRemoteSessions(name); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RemoteRegistrar is the HQ-mode subset of federation's capabilities, an
// optional extension of RemoteRouter (type-asserted since standalone/remote
// mode RemoteRouters don't implement it).
type RemoteRegistrar interface {
	RegisterRemote(name, url, token string) (string, error)
	RefreshRemoteSessions(name string) error
	AuthenticateRemoteRequest(name string, r *http.Request) bool
}
