// Package management implements the operator-facing /config endpoints:
// a small settings document, a session history list, and the upstream
// credential file that feeds the account pool.
package management

import (
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/newhackerman/tenbin2api/internal/config"
	"github.com/newhackerman/tenbin2api/internal/json"
	log "github.com/newhackerman/tenbin2api/internal/logging"
)

const (
	configFile   = "tenbin_config.json"
	sessionsFile = "tenbin_sessions.json"
)

// Handler serves the management surface. File edits are serialized by
// one mutex; readers go straight to disk so external edits are visible.
type Handler struct {
	cfg    *config.Config
	reload func() error

	mu sync.Mutex
}

// New constructs the management handler. reload is invoked after
// credential-file changes so the account pool picks them up.
func New(cfg *config.Config, reload func() error) *Handler {
	return &Handler{cfg: cfg, reload: reload}
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": data})
}

func respondMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": message})
}

func respondErr(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"status": "error", "detail": detail})
}

// readFileOr returns the file's bytes, or fallback when it is missing.
func readFileOr(path string, fallback []byte) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}
	return data, err
}

// GetConfig serves GET /config.
func (h *Handler) GetConfig(c *gin.Context) {
	data, err := readFileOr(configFile, []byte("{}"))
	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to read configuration")
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		respondErr(c, http.StatusInternalServerError, "configuration file is corrupt")
		return
	}
	respondOK(c, doc)
}

// UpdateConfig serves POST /config: merges the posted keys into the
// settings document and stamps updated_at.
func (h *Handler) UpdateConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondErr(c, http.StatusBadRequest, "failed to read body")
		return
	}
	var updates map[string]any
	if err := json.Unmarshal(body, &updates); err != nil {
		respondErr(c, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := readFileOr(configFile, []byte("{}"))
	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to read configuration")
		return
	}
	for key, value := range updates {
		if data, err = sjson.SetBytes(data, key, value); err != nil {
			respondErr(c, http.StatusInternalServerError, "failed to apply "+key)
			return
		}
	}
	if data, err = sjson.SetBytes(data, "updated_at", time.Now().Format(time.RFC3339)); err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to stamp configuration")
		return
	}

	if err := os.WriteFile(configFile, data, 0644); err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to save configuration")
		return
	}
	respondMessage(c, "Configuration saved.")
}

// GetSessions serves GET /config/sessions.
func (h *Handler) GetSessions(c *gin.Context) {
	data, err := readFileOr(sessionsFile, []byte("[]"))
	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to read sessions")
		return
	}
	var sessions []map[string]any
	if err := json.Unmarshal(data, &sessions); err != nil {
		respondErr(c, http.StatusInternalServerError, "sessions file is corrupt")
		return
	}
	respondOK(c, sessions)
}

type sessionBody struct {
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// UpdateSession serves POST /config/sessions: upserts one session entry
// keyed by session_id, preserving its original created_at.
func (h *Handler) UpdateSession(c *gin.Context) {
	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		respondErr(c, http.StatusBadRequest, "session_id is required")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := readFileOr(sessionsFile, []byte("[]"))
	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to read sessions")
		return
	}

	now := time.Now().Format(time.RFC3339)
	entry := map[string]any{
		"session_id": body.SessionID,
		"created_at": now,
		"updated_at": now,
	}

	idx := -1
	for i, item := range gjson.ParseBytes(data).Array() {
		if item.Get("session_id").String() == body.SessionID {
			idx = i
			if created := item.Get("created_at").String(); created != "" {
				entry["created_at"] = created
			}
			break
		}
	}

	path := "-1" // append
	if idx >= 0 {
		path = strconv.Itoa(idx)
	}
	if data, err = sjson.SetBytes(data, path, entry); err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to update sessions")
		return
	}

	if err := os.WriteFile(sessionsFile, data, 0644); err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to save sessions")
		return
	}
	respondMessage(c, "Session saved.")
}

// GetCredentials serves GET /config/tenbin.
func (h *Handler) GetCredentials(c *gin.Context) {
	data, err := readFileOr(h.cfg.AccountsFile, []byte("[]"))
	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to read credentials")
		return
	}
	var creds []map[string]any
	if err := json.Unmarshal(data, &creds); err != nil {
		respondErr(c, http.StatusInternalServerError, "credentials file is corrupt")
		return
	}
	respondOK(c, creds)
}

// SaveCredential serves POST /config/tenbin: upserts an upstream
// session_id into the credential file and hot-reloads the registry so
// the new account joins the pool immediately.
func (h *Handler) SaveCredential(c *gin.Context) {
	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		respondErr(c, http.StatusBadRequest, "session_id is required")
		return
	}

	h.mu.Lock()
	data, err := readFileOr(h.cfg.AccountsFile, []byte("[]"))
	if err != nil {
		h.mu.Unlock()
		respondErr(c, http.StatusInternalServerError, "failed to read credentials")
		return
	}

	idx := -1
	for i, item := range gjson.ParseBytes(data).Array() {
		if item.Get("session_id").String() == body.SessionID {
			idx = i
			break
		}
	}

	path := "-1"
	if idx >= 0 {
		path = strconv.Itoa(idx)
	}
	data, err = sjson.SetBytes(data, path, map[string]any{"session_id": body.SessionID})
	if err == nil {
		err = os.WriteFile(h.cfg.AccountsFile, data, 0644)
	}
	h.mu.Unlock()

	if err != nil {
		respondErr(c, http.StatusInternalServerError, "failed to save credentials")
		return
	}

	if h.reload != nil {
		if err := h.reload(); err != nil {
			log.Warnf("registry reload after credential save failed: %v", err)
		}
	}
	respondMessage(c, "Tenbin session saved.")
}
