package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/peers"
	"github.com/wgcontrol/wgcontrol/lib/validation"
)

// mutationTimeout bounds a request that may run several engine commands.
const mutationTimeout = 60 * time.Second

// errIncorrectInterface is reported when neither the body nor the query
// names a reconciled interface.
const errIncorrectInterface = "Incorrect interface!"

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid request body", err)
	}
	return nil
}

// checkInterface resolves the interface a request targets: the body value
// first, then the iface query parameter. It writes 422 when neither names an
// interface of the current snapshot.
func (s *Server) checkInterface(w http.ResponseWriter, r *http.Request, fromBody string) (string, bool) {
	snap := s.backend.Snapshot()
	for _, candidate := range []string{fromBody, r.URL.Query().Get("iface")} {
		if candidate == "" {
			continue
		}
		if _, ok := snap.Interface(candidate); ok {
			return candidate, true
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, envelope{Errors: errIncorrectInterface})
	return "", false
}

// handleInterfaceConfig returns the parsed definition of one interface.
func (s *Server) handleInterfaceConfig(w http.ResponseWriter, r *http.Request) {
	iface, ok := s.checkInterface(w, r, "")
	if !ok {
		return
	}
	view, err := s.backend.InterfaceDefinition(iface)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSealed(w, http.StatusOK, view)
}

// InterfaceOption is one entry of the interface selector.
type InterfaceOption struct {
	Value   string `json:"value"`
	Checked bool   `json:"checked"`
}

// handleInterfaces lists the reconciled interfaces, marking the default.
func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	snap := s.backend.Snapshot()
	names := snap.InterfaceNames()
	options := make([]InterfaceOption, 0, len(names))
	for _, name := range names {
		options = append(options, InterfaceOption{Value: name, Checked: name == snap.DefaultInterface})
	}
	s.writeData(w, http.StatusOK, options)
}

// handleFreeIP returns the next free address of an interface, or null data
// when the pool is exhausted.
func (s *Server) handleFreeIP(w http.ResponseWriter, r *http.Request) {
	iface, ok := s.checkInterface(w, r, "")
	if !ok {
		return
	}
	ip, err := s.backend.FreeAddress(iface)
	if errors.Is(err, apperrors.ErrAddressPoolExhausted) {
		// an exhausted pool is an answer, not a failure
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, ip)
}

// FrontendSettings is the public part of the frontend settings.
type FrontendSettings struct {
	DNS                    []string `json:"dns"`
	RuntimeRotationMinutes int      `json:"runtimeRotationMinutes"`
}

func (s *Server) handleGetFrontend(w http.ResponseWriter, r *http.Request) {
	settings := s.backend.Snapshot().Settings
	s.writeData(w, http.StatusOK, FrontendSettings{
		DNS:                    settings.Frontend.DNS,
		RuntimeRotationMinutes: settings.Frontend.RuntimeRotationMinutes,
	})
}

// dnsList accepts either a JSON array or a comma separated string.
type dnsList []string

func (d *dnsList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*d = compactList(list)
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*d = compactList(strings.Split(joined, ","))
	return nil
}

func compactList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// FrontendRequest is the body of POST /api/config/frontend.
type FrontendRequest struct {
	DNS                    dnsList `json:"dns"`
	FrontendPasskey        string  `json:"frontendPasskey"`
	RuntimeRotationMinutes int     `json:"runtimeRotationMinutes"`
}

func (s *Server) handleUpdateFrontend(w http.ResponseWriter, r *http.Request) {
	var req FrontendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	update := FrontendUpdate{
		DNS:             req.DNS,
		Passkey:         strings.TrimSpace(req.FrontendPasskey),
		RotationMinutes: req.RuntimeRotationMinutes,
	}
	if err := validation.ValidateFrontendParams(update.DNS, update.Passkey, update.RotationMinutes); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.backend.UpdateFrontend(ctx, update); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// AddClientRequest is the body of POST /api/config/client/add.
type AddClientRequest struct {
	Iface string `json:"iface"`
	Name  string `json:"name"`
	IP    string `json:"ip"`
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	var req AddClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	iface, ok := s.checkInterface(w, r, req.Iface)
	if !ok {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.IP = strings.TrimSpace(req.IP)
	if err := validation.ValidateAddPeerParams(iface, req.Name, req.IP); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	res, err := s.backend.AddPeer(ctx, peers.AddRequest{Interface: iface, Name: req.Name, Address: req.IP})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSealed(w, http.StatusCreated, res)
}

// RemoveClientRequest is the body of POST /api/config/client/remove.
type RemoveClientRequest struct {
	Iface  string `json:"iface"`
	PubKey string `json:"pubKey"`
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	var req RemoveClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	iface, ok := s.checkInterface(w, r, req.Iface)
	if !ok {
		return
	}
	req.PubKey = strings.TrimSpace(req.PubKey)
	if err := validation.ValidateRemovePeerParams(iface, req.PubKey); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.backend.RemovePeer(ctx, iface, req.PubKey); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// RenameClientRequest is the body of POST /api/config/client/rename.
type RenameClientRequest struct {
	PubKey string `json:"pubKey"`
	Name   string `json:"name"`
}

func (s *Server) handleRenameClient(w http.ResponseWriter, r *http.Request) {
	var req RenameClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.PubKey = strings.TrimSpace(req.PubKey)
	req.Name = strings.TrimSpace(req.Name)
	if err := validation.ValidateRenamePeerParams(req.PubKey, req.Name); err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.backend.RenamePeer(ctx, req.PubKey, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.ClientConfig(r.PathValue("pubKey"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSealed(w, http.StatusOK, res)
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()

	status, err := s.backend.EngineStatus(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSealed(w, http.StatusOK, status)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	iface, ok := s.checkInterface(w, r, "")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	if err := s.backend.RestartInterface(ctx, iface); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, "WireGuard restarted successfully")
}

// HealthResponse contains the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// handleHealth reports configuration validity and engine liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.backend.Snapshot()
	checks := map[string]string{
		"config": "valid",
		"engine": "up",
	}
	status := "healthy"
	if !snap.ConfigOK {
		checks["config"] = "invalid"
		status = "unhealthy"
	}
	if !snap.EngineUp {
		checks["engine"] = "down"
		if status == "healthy" {
			status = "degraded"
		}
	}
	if n := len(snap.Interfaces); n == 0 {
		checks["interfaces"] = "none"
	} else {
		checks["interfaces"] = strings.Join(snap.InterfaceNames(), ",")
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Checks:    checks,
	})
}

// handleLiveness returns a simple liveness probe response.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports ready once a reconciliation produced a valid configuration.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Snapshot().ConfigOK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "configuration_invalid",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
