package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/dhcp"
	"github.com/lanprov/lanprovd/internal/lease"
	"github.com/lanprov/lanprovd/internal/provision"
	"github.com/lanprov/lanprovd/internal/service"
)

// errBadBody marks a request body that is not valid JSON for the endpoint.
var errBadBody = errors.New("invalid request body")

// handleHealth returns server health status (no auth required).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"dhcp":           s.svc.Status().Running,
		"discovery":      s.svc.DiscoveryRunning(),
		"auth":           s.auth.Enabled(),
	})
}

type discoveryStatus struct {
	Running bool `json:"running"`
	Port    int  `json:"port,omitempty"`
	Devices int  `json:"devices"`
}

type statusResponse struct {
	DHCP      service.Status  `json:"dhcp"`
	Discovery discoveryStatus `json:"discovery"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ds := discoveryStatus{Running: s.svc.DiscoveryRunning()}
	if addr := s.svc.DiscoveryAddr(); addr != nil {
		ds.Port = addr.Port
	}
	ds.Devices = len(s.svc.ListDevices())
	JSONResponse(w, http.StatusOK, statusResponse{DHCP: s.svc.Status(), Discovery: ds})
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := s.svc.Interfaces()
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, ifaces)
}

// handleStartDHCP starts the DHCP server. An optional body holds DHCP
// settings layered over the active config.
func (s *Server) handleStartDHCP(w http.ResponseWriter, r *http.Request) {
	override := s.svc.Config().DHCP
	present, err := decodeOptional(r, &override)
	if err != nil {
		writeError(w, err)
		return
	}
	var ov *config.DHCPConfig
	if present {
		ov = &override
	}

	st, err := s.svc.StartDHCP(r.Context(), ov)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, st)
}

func (s *Server) handleStopDHCP(w http.ResponseWriter, r *http.Request) {
	s.svc.StopDHCP()
	JSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.svc.ListLeases()
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, leases)
}

type assignRequest struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

func (s *Server) handleAssignLease(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IP == "" {
		JSONError(w, http.StatusBadRequest, "invalid_request", "ip is required")
		return
	}

	l, err := s.svc.Assign(mux.Vars(r)["mac"], req.IP, req.Hostname)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, l)
}

func (s *Server) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	released, err := s.svc.Release(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"released": released})
}

type renewRequest struct {
	ExtendSeconds int64 `json:"extend_seconds"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if _, err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ExtendSeconds < 0 {
		JSONError(w, http.StatusBadRequest, "invalid_request", "extend_seconds must not be negative")
		return
	}

	renewed, err := s.svc.Renew(mux.Vars(r)["mac"], time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"renewed": renewed})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.PendingTransactions()
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, pending)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, s.svc.ListDevices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetDevice(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, d)
}

func (s *Server) handleSendConfig(w http.ResponseWriter, r *http.Request) {
	var fields provision.Config
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SendConfig(r.Context(), mux.Vars(r)["id"], fields); err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleReadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.ReadConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, cfg)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reboot(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req provision.UpgradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cmd, err := s.svc.Upgrade(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, cmd)
}

func (s *Server) handleConnectMQTT(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ConnectMQTT(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSaveConfigs pushes a batch of configs keyed by device id.
func (s *Server) handleSaveConfigs(w http.ResponseWriter, r *http.Request) {
	var batch map[string]provision.Config
	if err := decodeBody(r, &batch); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.SaveConfigs(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, res)
}

// decodeBody decodes a required JSON body into v.
func decodeBody(r *http.Request, v any) error {
	present, err := decodeOptional(r, v)
	if err != nil {
		return err
	}
	if !present {
		return errBadBody
	}
	return nil
}

// decodeOptional decodes a JSON body into v when one is present.
func decodeOptional(r *http.Request, v any) (bool, error) {
	if r.Body == nil {
		return false, nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF):
		return false, nil
	default:
		return false, errBadBody
	}
}

// writeError maps an error from the control surface to a status code.
func writeError(w http.ResponseWriter, err error) {
	var (
		bindErr *dhcp.BindError
		sendErr *provision.SendError
	)
	switch {
	case errors.Is(err, provision.ErrTimeout):
		JSONError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &sendErr):
		JSONError(w, http.StatusBadGateway, "send_failed", err.Error())
	case errors.Is(err, service.ErrDeviceNotFound), errors.Is(err, lease.ErrNotFound):
		JSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrNotRunning):
		JSONError(w, http.StatusServiceUnavailable, "not_running", err.Error())
	case errors.Is(err, lease.ErrIPInUse):
		JSONError(w, http.StatusConflict, "ip_in_use", err.Error())
	case errors.Is(err, errBadBody),
		errors.Is(err, service.ErrInvalidMAC),
		errors.Is(err, lease.ErrInvalidIP),
		errors.Is(err, provision.ErrInvalidTarget),
		errors.Is(err, provision.ErrInvalidRequest),
		errors.Is(err, config.ErrInvalid),
		dhcp.IsValidationError(err):
		JSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &bindErr):
		JSONError(w, http.StatusInternalServerError, "bind_failed", err.Error())
	default:
		JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
