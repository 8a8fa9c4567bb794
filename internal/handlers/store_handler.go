package handlers

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"guardian/internal/remote"
	"guardian/internal/service"
	"guardian/internal/store"
)

// StoreHandler exposes the shared tree over HTTP
type StoreHandler struct {
	tree       *store.Tree
	streams    *remote.Server
	adminToken string
	backend    string
	origins    []string
	logger     *zap.Logger
}

// HealthResponse reports liveness and the number of store clients
type HealthResponse struct {
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	Time        time.Time `json:"time"`
}

// Health handles GET /healthz
func (h *StoreHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Connections: h.streams.Connections(),
		Time:        h.tree.Now().UTC(),
	})
}

// Stream upgrades GET /v1/stream to a store socket. No per-path rules
// apply: every client may read and write the whole tree.
func (h *StoreHandler) Stream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		h.logger.Debug("store upgrade failed", zap.Error(err))
		return
	}
	h.streams.Serve(ws)
}

// checkOrigin admits native clients, which send no Origin, and browsers
// from the configured origins
func (h *StoreHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Export handles GET /v1/export, returning the whole tree as a backup
// document. It needs the admin bearer token.
func (h *StoreHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" {
		respondWithError(h.logger, w, http.StatusNotFound, "Not found", "", nil)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		h.logger.Warn("export refused", zap.String("remote", r.RemoteAddr))
		respondWithError(h.logger, w, http.StatusUnauthorized, "Authentication failed", "", nil)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="guardian-backup.json"`)
	writeJSON(w, http.StatusOK, service.NewBackupData(h.tree.Export(), h.backend, h.tree.Now()))
}
