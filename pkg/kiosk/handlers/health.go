package handlers

import (
	"encoding/json"
	"net/http"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 while the process drains.
type ReadyHandler struct {
	Engine   Engine
	Provider string
	Draining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool   `json:"ok"`
		Provider string `json:"provider,omitempty"`
		State    string `json:"state"`
		Draining bool   `json:"draining,omitempty"`
	}

	draining := h.Draining != nil && h.Draining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       !draining,
		Provider: h.Provider,
		State:    h.Engine.State().String(),
		Draining: draining,
	})
}
