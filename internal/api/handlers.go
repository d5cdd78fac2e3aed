package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coinstash/remotedesk/internal/portpool"
	"github.com/coinstash/remotedesk/internal/protocol"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/tunnel"
)

// maxBodySize caps request bodies. Shell commands and update lists are
// small; anything larger is abuse.
const maxBodySize = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	online := 0
	machines := s.reg.List()
	for _, m := range machines {
		if m.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"machines_total":  len(machines),
		"machines_online": online,
		"tunnels_active":  len(s.tun.ListAll()),
		"ports_in_use":    s.tun.UsedPorts(),
	})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machines := s.reg.FilterByGroup(q.Get("customer"), q.Get("site"))
	if machines == nil {
		machines = []registry.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, machines)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	info, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateLabels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Customer *string `json:"customer"`
		Site     *string `json:"site"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.reg.UpdateGroupLabels(r.PathValue("id"), req.Customer, req.Site); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.writeError(w, errors.New("command is required"))
		return
	}

	sessionID, err := s.rt.ExecShell(r.PathValue("id"), req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckUpdates(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleInstallUpdates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateIDs []string `json:"updateIds"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.rt.InstallUpdates(r.PathValue("id"), req.UpdateIDs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleVNCStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality string `json:"quality"`
		FPS     int    `json:"fps"`
	}
	// An empty body means default quality.
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.rt.StartVNC(r.PathValue("id"), req.Quality, req.FPS); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleVNCStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.StopVNC(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleVNCInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input json.RawMessage `json:"input"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		s.writeError(w, errors.New("input is required"))
		return
	}
	if err := s.rt.SendVNCInput(r.PathValue("id"), req.Input); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	info, err := s.tun.Request(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tunnelStatus{Active: true, Info: info})
}

// tunnelStatus wraps a tunnel snapshot with the active flag so a
// machine without a tunnel still gets a well-formed status body.
type tunnelStatus struct {
	Active bool `json:"active"`
	tunnel.Info
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.tun.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusOK, tunnelStatus{Active: false})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStatus{Active: true, Info: info})
}

func (s *Server) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.tun.Close(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	infos := s.tun.ListAll()
	if infos == nil {
		infos = []tunnel.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// decodeBody unmarshals the request body into v, writing the error
// response itself on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps the registry, port pool and protocol error kinds onto
// HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrOffline):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, portpool.ErrExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrProtocol):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
