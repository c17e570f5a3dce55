// Package api exposes the cache over a small local HTTP surface.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"activeconfig/internal/flow"
	"activeconfig/internal/types"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Engine is what the handler needs from *flow.Engine.
type Engine interface {
	GetText(ctx context.Context, key string, def string, force bool) (flow.Result, error)
	GetImage(ctx context.Context, key string, def []byte, force bool) (flow.Result, error)
	CheckUpdate(ctx context.Context) (flow.SyncReport, error)
	ClearCache(ctx context.Context) error
}

type Handler struct {
	Engine Engine
}

func NewHandler(engine Engine) *Handler {
	return &Handler{Engine: engine}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", h.handleConfig)
	mux.HandleFunc("/sync", h.handleSync)
	mux.HandleFunc("/cache", h.handleCache)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type textResponse struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	typ := types.Text
	if s := q.Get("type"); s != "" {
		t, err := types.ParseConfigType(s)
		if err != nil {
			http.Error(w, "unknown type", http.StatusBadRequest)
			return
		}
		typ = t
	}
	force, _ := strconv.ParseBool(q.Get("force"))

	if typ == types.Image {
		h.serveImage(w, r, key, q.Get("default"), force)
		return
	}

	res, err := h.Engine.GetText(r.Context(), key, q.Get("default"), force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	value := res.Value
	if path := q.Get("path"); path != "" {
		sel, err := flow.SelectPath(value, path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if sel == nil {
			http.Error(w, "path matched nothing", http.StatusNotFound)
			return
		}
		value = *sel
	}
	if err := writeJSON(w, http.StatusOK, textResponse{Key: key, Type: typ.String(), Value: value, Source: res.Source.String()}); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

// serveImage writes the image bytes. The default is given base64 encoded.
func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request, key, def string, force bool) {
	var defBytes []byte
	if def != "" {
		b, err := base64.StdEncoding.DecodeString(def)
		if err != nil {
			http.Error(w, "default must be base64", http.StatusBadRequest)
			return
		}
		defBytes = b
	}
	res, err := h.Engine.GetImage(r.Context(), key, defBytes, force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if len(res.Blob) == 0 {
		http.Error(w, "no image", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(res.Blob))
	w.Header().Set("X-Config-Source", res.Source.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Blob)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := h.Engine.CheckUpdate(r.Context())
	if err != nil {
		if errors.Is(err, types.ErrNotRegistered) {
			writeEngineError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := writeJSON(w, http.StatusOK, report); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func (h *Handler) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.Engine.ClearCache(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotRegistered):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
