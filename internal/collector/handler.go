// internal/collector/handler.go
package collector

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/protocol"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler serves the agent-facing and query endpoints
type Handler struct {
	db              *DB
	apiKey          string
	maxPayloadBytes int64
	log             *zap.SugaredLogger
	now             func() time.Time
}

// NewHandler creates the handler set
func NewHandler(db *DB, apiKey string, maxPayloadBytes int64, log *zap.SugaredLogger) *Handler {
	return &Handler{
		db:              db,
		apiKey:          apiKey,
		maxPayloadBytes: maxPayloadBytes,
		log:             logger.OrNop(log),
		now:             time.Now,
	}
}

// readJSON reads a size-limited JSON body into v. It writes the error
// response itself and returns false on failure.
func (h *Handler) readJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength > h.maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return false
	}
	if int64(len(body)) > h.maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return false
	}
	return true
}

// authorized compares the body api_key against the configured key.
// An empty configured key disables the check.
func (h *Handler) authorized(key string) bool {
	if h.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}

// Heartbeat handles POST <node_path>
func (h *Handler) Heartbeat(c *gin.Context) {
	var hb protocol.Heartbeat
	if !h.readJSON(c, &hb) {
		return
	}
	if !h.authorized(hb.APIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if strings.TrimSpace(hb.ProviderCode) == "" {
		hb.ProviderCode = c.ClientIP()
	}

	id, err := h.db.UpsertNode(hb, h.now())
	if err != nil {
		h.log.Errorw("Node upsert failed", "micro_service", hb.MicroService, "provider_code", hb.ProviderCode, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.log.Debugw("Heartbeat", "node", id, "provider_code", hb.ProviderCode)
	c.JSON(http.StatusOK, gin.H{"id_node": id, "id": id})
}

// Alert handles POST <alert_path>
func (h *Handler) Alert(c *gin.Context) {
	var up protocol.AlertUpsert
	if !h.readJSON(c, &up) {
		return
	}
	if !h.authorized(up.APIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if up.NodeID == "" || up.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_node and type are required"})
		return
	}

	stored, err := h.db.UpsertAlert(up, h.now())
	if errors.Is(err, ErrUnknownNode) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}
	if err != nil {
		h.log.Errorw("Alert upsert failed", "node", up.NodeID, "type", up.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if !stored.Solved {
		h.log.Infow("Alert open", "node", up.NodeID, "type", up.Type)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": stored.ID, "solved": stored.Solved})
}

// ListAlerts handles GET /api/alerts?open=1&node=<id>&limit=<n>
func (h *Handler) ListAlerts(c *gin.Context) {
	openOnly := c.Query("open") == "1" || c.Query("open") == "true"

	alerts, err := h.db.ListAlerts(openOnly, c.Query("node"), parseLimit(c.Query("limit")))
	if err != nil {
		h.log.Errorw("List alerts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

// ListNodes handles GET /api/nodes
func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.db.ListNodes()
	if err != nil {
		h.log.Errorw("List nodes failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if nodes == nil {
		nodes = []Node{}
	}
	c.JSON(http.StatusOK, nodes)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	counts, err := h.db.AlertCounts()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "alerts": counts})
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
