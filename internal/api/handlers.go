package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/devicelink"
	"github.com/BTreeMap/SOSPipe/internal/models"
)

// triggerRequest is the optional body of POST /api/sos/trigger.
type triggerRequest struct {
	Source models.TriggerSource `json:"source,omitempty"`
}

// triggerResponse reports how a trigger was handled.
type triggerResponse struct {
	Result  models.TriggerResult `json:"result"`
	Episode models.Episode       `json:"episode"`
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.triggerHandler: processing trigger request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.triggerHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.Source == "" {
		req.Source = models.TriggerSourceManual
	}

	result, err := s.manual.FireAs(r.Context(), req.Source)
	switch {
	case errors.Is(err, models.ErrNoContactsConfigured):
		writeError(w, http.StatusConflict, "no contacts")
		return
	case errors.Is(err, models.ErrInvalidTriggerSource):
		writeError(w, http.StatusBadRequest, "Invalid trigger source")
		return
	case err != nil:
		slog.Error("Server.triggerHandler: trigger failed", "source", req.Source, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to trigger SOS")
		return
	}

	slog.Info("Server.triggerHandler: trigger handled", "source", req.Source, "result", result)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("SOS "+string(result), triggerResponse{
		Result:  result,
		Episode: s.engine.Status(),
	}))
}

func (s *Server) standDownHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.standDownHandler: processing stand-down request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	stood, err := s.engine.StandDown(r.Context())
	if err != nil {
		slog.Error("Server.standDownHandler: stand-down failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to stand down")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"stood_down": stood}))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Status()))
}

func (s *Server) trackingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "Missing required field: enabled")
		return
	}
	if err := s.engine.SetTracking(r.Context(), *req.Enabled); err != nil {
		if errors.Is(err, models.ErrNoActiveEpisode) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Server.trackingHandler: toggle failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to change tracking")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Status()))
}

// locationRequest is a fix pushed by a device. Accuracy is optional.
type locationRequest struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy *float64 `json:"accuracy"`
}

func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: lat, lng")
		return
	}
	if math.Abs(*req.Lat) > 90 || math.Abs(*req.Lng) > 180 {
		writeError(w, http.StatusBadRequest, "Coordinates out of range")
		return
	}
	fix := models.Fix{Lat: *req.Lat, Lng: *req.Lng, Accuracy: -1, Timestamp: s.clock.Now()}
	if req.Accuracy != nil {
		fix.Accuracy = *req.Accuracy
	}
	s.location.Push(fix)
	slog.Debug("Server.locationHandler: fix accepted", "lat", fix.Lat, "lng", fix.Lng, "accuracy", fix.Accuracy)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Fix recorded", fix))
}

func (s *Server) episodesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	episodes, err := s.st.ListEpisodes(limit)
	if err != nil {
		slog.Error("Server.episodesHandler: failed to list episodes", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch episodes")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(episodes))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.receiptsHandler: processing receipts request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	receipts, err := s.st.GetReceipts(r.URL.Query().Get("episode_id"))
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch receipts")
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) noticesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.notices.Recent(limit)))
}

// parseLimit reads ?limit=, defaulting to DefaultHistoryLimit. It writes a 400 on bad input.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

// healthHandler provides a health check endpoint for monitoring
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"episode":   s.engine.Status().Active,
	}

	statusCode := http.StatusOK
	if contacts, err := s.book.List(r.Context()); err != nil {
		slog.Warn("Server.healthHandler: failed to list contacts", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to read contacts"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["contacts"] = len(contacts)
	}

	if s.hub != nil {
		healthData["phone_connected"] = s.hub.Connected(devicelink.RolePhone)
		healthData["wearable_connected"] = s.hub.Connected(devicelink.RoleWearable)
	}

	writeJSONResponse(w, statusCode, healthData)
}
