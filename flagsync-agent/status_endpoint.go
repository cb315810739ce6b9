// SPDX-License-Identifier:Apache-2.0

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flagsync/flagsync/internal/datamodel"
	"github.com/flagsync/flagsync/pkg/client"
)

type statusSource interface {
	State() client.ConnectionState
	LastError() *client.ErrorInfo
	IsInitialized() bool
	Version() int64
	GetAll(cat client.Category) map[string]*client.Item
}

type statusResponse struct {
	State       client.State      `json:"state"`
	Since       time.Time         `json:"since"`
	Error       *client.ErrorInfo `json:"error,omitempty"`
	LastError   *client.ErrorInfo `json:"lastError,omitempty"`
	Initialized bool              `json:"initialized"`
	Version     int64             `json:"version"`
	Items       map[string]int    `json:"items"`
}

// statusHandler reports the connection state and store contents. It
// answers 503 until the data is in sync, so it can back a readiness check.
func statusHandler(l log.Logger, src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.State()
		resp := statusResponse{
			State:       st.State,
			Since:       st.Since,
			Error:       st.Error,
			LastError:   src.LastError(),
			Initialized: src.IsInitialized(),
			Version:     src.Version(),
			Items:       map[string]int{},
		}
		for _, cat := range datamodel.Categories {
			resp.Items[cat.Name] = len(src.GetAll(cat))
		}

		w.Header().Set("Content-Type", "application/json")
		if st.State != client.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			level.Error(l).Log("op", "status", "error", err, "msg", "failed to write status response")
		}
	}
}
