// Package api provides HTTP handlers for DeviceIntake endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/models"
)

const noUIMessage = "No UI here. Try POST /webhook/tawk or /health."

// debugListLimit caps the items returned by the inventory debug views.
const debugListLimit = 20

func (s *Server) tawkWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		slog.Warn("Server.tawkWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)
	if err := req.Validate(); err != nil {
		slog.Warn("Server.tawkWebhookHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}

	reply, err := s.engine.HandleMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		slog.Error("Server.tawkWebhookHandler: engine failed", "error", err, "session_id", req.SessionID)
		if s.opts.Dev {
			writeJSONResponse(w, http.StatusOK, models.ChatReply{Reply: "(dev) Error: " + err.Error()})
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.ChatReply{Reply: reply})
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.StaticDir != "" {
		http.Redirect(w, r, "/static/index.html", http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, noUIMessage)
}

func (s *Server) listRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Requests == nil {
		writeJSONResponse(w, http.StatusOK, models.Success([]models.IntakeRequest{}))
		return
	}
	list, err := s.opts.Requests.ListIntakeRequests()
	if err != nil {
		slog.Error("Server.listRequestsHandler: failed to list requests", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list requests"))
		return
	}
	if list == nil {
		list = []models.IntakeRequest{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) getRequestHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.opts.Requests == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Request not found"))
		return
	}
	req, err := s.opts.Requests.GetIntakeRequest(id)
	if err != nil {
		slog.Error("Server.getRequestHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load request"))
		return
	}
	if req == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Request not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(req))
}

func (s *Server) debugSlotsHandler(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	defs := make([]string, 0, len(reg.Order))
	for _, name := range reg.Order {
		if _, ok := reg.Def(name); ok {
			defs = append(defs, name)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ORDER: %v\nDEFS: %v", reg.Order, defs)
}

func (s *Server) debugConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg := make(map[string]any, len(s.opts.DebugConfig))
	for k, v := range s.opts.DebugConfig {
		cfg[k] = v
	}
	writeJSONResponse(w, http.StatusOK, cfg)
}

type rawDevice struct {
	Model    any `json:"model"`
	Platform any `json:"platform"`
	Version  any `json:"version"`
	Group    any `json:"group"`
	Status   any `json:"status"`
	Ready    any `json:"ready"`
	Present  any `json:"present"`
}

func (s *Server) debugRawHandler(w http.ResponseWriter, r *http.Request) {
	var records []map[string]any
	if s.opts.Inventory != nil {
		records, _ = s.opts.Inventory.Fetch(r.Context())
	}
	items := make([]rawDevice, 0, min(len(records), debugListLimit))
	for _, rec := range records[:min(len(records), debugListLimit)] {
		group := rec["group"]
		if m, ok := group.(map[string]any); ok {
			group = m["name"]
		}
		items = append(items, rawDevice{
			Model:    firstPresent(rec, "model", "marketName", "name"),
			Platform: rec["platform"],
			Version:  rec["version"],
			Group:    group,
			Status:   rec["status"],
			Ready:    rec["ready"],
			Present:  rec["present"],
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"count": len(records), "items": items})
}

func (s *Server) debugCleanHandler(w http.ResponseWriter, r *http.Request) {
	type cleanDevice struct {
		Name      string   `json:"name"`
		Platform  string   `json:"platform"`
		Versions  []string `json:"versions"`
		Available bool     `json:"available"`
		Group     string   `json:"group,omitempty"`
		Status    int      `json:"status,omitempty"`
	}
	items := []cleanDevice{}
	count := 0
	if s.opts.Recommender != nil {
		for _, d := range s.opts.Recommender.Inventory(r.Context()) {
			if !d.Available {
				continue
			}
			count++
			if len(items) < debugListLimit {
				items = append(items, cleanDevice(d))
			}
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"count": count, "items": items})
}

func (s *Server) debugFetchLogHandler(w http.ResponseWriter, r *http.Request) {
	tries := []any{}
	if s.opts.Inventory != nil {
		for _, a := range s.opts.Inventory.FetchLog() {
			tries = append(tries, a)
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"tries": tries})
}

func (s *Server) debugSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.engine.Session(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"session_id": id,
		"state":      st,
		"idle":       time.Since(st.UpdatedAt).Round(time.Second).String(),
	})
}

func firstPresent(rec map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}
