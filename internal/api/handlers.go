package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/keyring"
	"bt-locate.klederson.com/internal/locate"
	"bt-locate.klederson.com/internal/rpa"
)

const scannerUnavailableMsg = "Bluetooth scanner could not be started. Check adapter permissions/capabilities."

type startRequest struct {
	locate.Target
	IRKLabel       string   `json:"irk_label"`
	Environment    string   `json:"environment"`
	CustomExponent *float64 `json:"custom_exponent"`
	FallbackLat    *float64 `json:"fallback_lat"`
	FallbackLon    *float64 `json:"fallback_lon"`
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	if req.IRKHex == "" && req.IRKLabel != "" {
		if s.keys == nil {
			s.badRequest(w, "irk_label requires a keyring")
			return
		}
		entry, err := s.keys.Get(r.Context(), req.IRKLabel)
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}
		req.IRKHex = entry.IRKHex
	}

	envName := req.Environment
	if envName == "" {
		envName = locate.Outdoor.String()
	}
	env, err := locate.ParseEnvironment(envName)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("Invalid environment: %s", strings.ToUpper(envName)))
		return
	}

	cfg := locate.Config{
		Target:         &req.Target,
		Environment:    env,
		CustomExponent: req.CustomExponent,
	}
	if req.FallbackLat != nil && req.FallbackLon != nil {
		cfg.FallbackLat, cfg.FallbackLon = req.FallbackLat, req.FallbackLon
	}

	s.log.Info().Interface("target", &req.Target).Str("environment", env.String()).Msg("starting locate session")
	sess, err := s.registry.StartSession(cfg)
	switch {
	case err == nil:
	case errors.Is(err, locate.ErrScannerUnavailable):
		s.log.Warn().Err(err).Msg("unable to start locate session")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  scannerUnavailableMsg,
		})
		return
	case errors.Is(err, locate.ErrNoIdentifier), errors.Is(err, locate.ErrInvalidIRK),
		errors.Is(err, locate.ErrInvalidExponent), errors.Is(err, locate.ErrInvalidEnvironment):
		s.badRequest(w, err.Error())
		return
	default:
		s.log.Error().Err(err).Msg("unexpected error starting locate session")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "Failed to start locate session",
		})
		return
	}

	s.writeJSONOK(w, map[string]any{
		"status":  "started",
		"session": sess.Status(false),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.registry.StopSession() {
		s.writeJSONOK(w, map[string]string{"status": "no_session"})
		return
	}
	s.writeJSONOK(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Session()
	if sess == nil {
		s.writeJSONOK(w, map[string]any{"active": false, "target": nil})
		return
	}
	debug := false
	switch strings.ToLower(r.URL.Query().Get("debug")) {
	case "1", "true", "yes":
		debug = true
	}
	s.writeJSONOK(w, sess.Status(debug))
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Session()
	if sess == nil {
		s.writeJSONOK(w, map[string]any{
			"trail":     []locate.DetectionPoint{},
			"gps_trail": []locate.DetectionPoint{},
		})
		return
	}
	s.writeJSONOK(w, map[string]any{
		"trail":     sess.Trail(),
		"gps_trail": sess.GPSTrail(),
	})
}

// handleStream relays detections from whichever session is current. It
// pings when idle and ends the stream once no session is running.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()
	for {
		sess := s.registry.Session()
		if sess == nil {
			_ = writeSSE(w, "session_ended", map[string]string{"type": "session_ended"})
			return
		}

		idle.Reset(s.keepAlive)
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev := <-sess.Events().C():
			err = writeSSE(w, locate.EventDetection, ev)
		case <-idle.C:
			err = writeSSE(w, "ping", struct{}{})
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("stream client went away")
			return
		}
	}
}

func (s *Server) handleResolveRPA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IRKHex  string `json:"irk_hex"`
		Address string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if req.IRKHex == "" || req.Address == "" {
		s.badRequest(w, "irk_hex and address are required")
		return
	}
	irk, err := rpa.ParseIRK(req.IRKHex)
	if err != nil {
		if errors.Is(err, rpa.ErrIRKLength) {
			s.badRequest(w, err.Error())
		} else {
			s.badRequest(w, "Invalid IRK hex string")
		}
		return
	}
	s.writeJSONOK(w, map[string]any{
		"resolved": rpa.Resolve(irk, req.Address),
		"irk_hex":  req.IRKHex,
		"address":  req.Address,
	})
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Session()
	if sess == nil {
		s.badRequest(w, "no active session")
		return
	}
	var req struct {
		Environment    string   `json:"environment"`
		CustomExponent *float64 `json:"custom_exponent"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	env, err := locate.ParseEnvironment(req.Environment)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("Invalid environment: %s", strings.ToUpper(req.Environment)))
		return
	}
	if err := sess.SetEnvironment(env, req.CustomExponent); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	_, n := sess.Environment()
	s.writeJSONOK(w, map[string]any{
		"status":             "updated",
		"environment":        env,
		"path_loss_exponent": n,
	})
}

type debugDevice struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	RSSI     *int   `json:"rssi"`
	Matches  bool   `json:"matches"`

	ManufacturerMatch *bool `json:"manufacturer_match,omitempty"`
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Session()
	if sess == nil {
		s.writeJSONOK(w, map[string]string{"error": "no session"})
		return
	}
	matched := sess.MatchDevices(config.DebugDeviceWindow, 0)
	devices := make([]debugDevice, 0, len(matched))
	for _, d := range matched {
		devices = append(devices, debugDevice{
			DeviceID: d.ID,
			Address:  d.Addr,
			Name:     d.Name,
			RSSI:     d.RSSI,
			Matches:  d.Match,

			ManufacturerMatch: d.ManufacturerMatch,
		})
	}
	s.writeJSONOK(w, map[string]any{
		"target":       sess.Target(),
		"device_count": len(devices),
		"devices":      devices,
	})
}

func (s *Server) handlePairedIRKs(w http.ResponseWriter, r *http.Request) {
	devices, err := keyring.PairedIRKs(s.bluezRoot)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read paired IRKs")
		s.writeJSONOK(w, map[string]any{"devices": []keyring.Entry{}, "error": err.Error()})
		return
	}
	s.writeJSONOK(w, map[string]any{"devices": devices})
}

func (s *Server) handleClearTrail(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Session()
	if sess == nil {
		s.writeJSONOK(w, map[string]string{"status": "no_session"})
		return
	}
	sess.ClearTrail()
	s.writeJSONOK(w, map[string]string{"status": "cleared"})
}

func (s *Server) requireKeyring(w http.ResponseWriter) bool {
	if s.keys == nil {
		s.writeJSONError(w, http.StatusNotFound, "keyring disabled")
		return false
	}
	return true
}

func (s *Server) handleListIRKs(w http.ResponseWriter, r *http.Request) {
	if !s.requireKeyring(w) {
		return
	}
	entries, err := s.keys.List(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSONOK(w, map[string]any{"irks": entries})
}

func (s *Server) handleAddIRK(w http.ResponseWriter, r *http.Request) {
	if !s.requireKeyring(w) {
		return
	}
	var req keyring.Entry
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	req.Source = keyring.SourceManual
	entry, err := s.keys.Add(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, entry)
	case errors.Is(err, keyring.ErrDuplicate):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.badRequest(w, err.Error())
	}
}

func (s *Server) handleDeleteIRK(w http.ResponseWriter, r *http.Request) {
	if !s.requireKeyring(w) {
		return
	}
	err := s.keys.Delete(r.Context(), r.PathValue("ref"))
	switch {
	case err == nil:
		s.writeJSONOK(w, map[string]string{"status": "deleted"})
	case errors.Is(err, keyring.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
