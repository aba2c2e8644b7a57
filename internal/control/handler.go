// Package control implements the proxy's single administrative endpoint,
// /__control, through which tests switch the engine's mode and clean up
// sessions.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/httputil"
)

const defaultTimeoutMs = 120000

// Request is the JSON body accepted by POST /__control. A GET accepts mode,
// id and timeout as query parameters; cleanup is only accepted via POST.
type Request struct {
	Mode    string `json:"mode"`
	ID      string `json:"id,omitempty"`
	Timeout *int   `json:"timeout,omitempty"`
	Cleanup bool   `json:"cleanup,omitempty"`
}

// Response is the JSON body emitted on success, by both GET and POST.
type Response struct {
	Success       bool   `json:"success,omitempty"`
	Mode          string `json:"mode"`
	ID            string `json:"id,omitempty"`
	Timeout       *int   `json:"timeout,omitempty"`
	RecordingsDir string `json:"recordingsDir,omitempty"`
}

// Handler serves /__control against an Engine.
type Handler struct {
	engine *engine.Engine
	cors   cors.Policy
	logger *slog.Logger
}

func NewHandler(e *engine.Engine, policy cors.Policy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, cors: policy, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodPost:
		h.servePost(w, r)
	default:
		h.cors.Apply(w, r)
		httputil.WriteError(w, http.StatusMethodNotAllowed, string(engine.KindBadControlPayload), "method not allowed")
	}
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("mode")

	if mode == "" && q.Get("id") == "" && q.Get("timeout") == "" {
		h.cors.Apply(w, r)
		httputil.WriteJSON(w, http.StatusOK, Response{
			Mode:          string(h.engine.Mode()),
			ID:            h.engine.ActiveID(),
			RecordingsDir: h.engine.RecordingsDir(),
		})
		return
	}

	req := Request{Mode: mode, ID: q.Get("id")}
	if t := q.Get("timeout"); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil {
			h.cors.Apply(w, r)
			httputil.WriteError(w, http.StatusBadRequest, string(engine.KindBadControlPayload), "timeout must be an integer")
			return
		}
		req.Timeout = &ms
	}

	h.applySwitch(w, r, req)
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.cors.Apply(w, r)
		httputil.WriteError(w, http.StatusBadRequest, string(engine.KindBadControlPayload), err.Error())
		return
	}

	if req.Cleanup {
		if req.ID == "" {
			h.cors.Apply(w, r)
			httputil.WriteError(w, http.StatusBadRequest, string(engine.KindMissingID), "id is required for cleanup")
			return
		}
		h.engine.Cleanup(req.ID)
		h.cors.Apply(w, r)
		httputil.WriteJSON(w, http.StatusOK, Response{
			Success:       true,
			Mode:          string(h.engine.Mode()),
			ID:            h.engine.ActiveID(),
			RecordingsDir: h.engine.RecordingsDir(),
		})
		return
	}

	h.applySwitch(w, r, req)
}

func (h *Handler) applySwitch(w http.ResponseWriter, r *http.Request, req Request) {
	mode, ok := engine.ParseMode(req.Mode)
	if !ok {
		h.cors.Apply(w, r)
		httputil.WriteError(w, http.StatusBadRequest, string(engine.KindUnknownMode), "unknown mode: "+req.Mode)
		return
	}

	timeoutMs := defaultTimeoutMs
	if req.Timeout != nil {
		timeoutMs = *req.Timeout
	}

	var err error
	switch mode {
	case engine.ModeTransparent:
		h.engine.SwitchToTransparent()
	case engine.ModeRecord:
		err = h.engine.SwitchToRecord(req.ID, timeoutMs)
	case engine.ModeReplay:
		err = h.engine.SwitchToReplay(req.ID, timeoutMs)
		if err == nil {
			http.SetCookie(w, &http.Cookie{
				Name:     "proxy-recording-id",
				Value:    req.ID,
				HttpOnly: true,
				Path:     "/",
				SameSite: http.SameSiteLaxMode,
			})
		}
	}

	if err != nil {
		h.cors.Apply(w, r)
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			httputil.WriteError(w, http.StatusBadRequest, string(engErr.Kind), engErr.Message)
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, string(engine.KindBadControlPayload), err.Error())
		return
	}

	h.logger.Info("mode switched", "mode", mode, "id", req.ID)
	h.cors.Apply(w, r)
	httputil.WriteJSON(w, http.StatusOK, Response{
		Success:       true,
		Mode:          string(h.engine.Mode()),
		ID:            h.engine.ActiveID(),
		Timeout:       &timeoutMs,
		RecordingsDir: h.engine.RecordingsDir(),
	})
}
