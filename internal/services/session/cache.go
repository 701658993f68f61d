package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// SidecarDir is where evicted session metadata lands, under the storage
// mount. Hidden so workspace listings skip it.
const SidecarDir = ".thread-cache"

var ErrSessionNotFound = errors.New("session not found")

// Entry is one live session: an open engine thread plus bookkeeping.
type Entry struct {
	SessionID   string        `json:"session_id"`
	WorkspaceID string        `json:"workspace_id"`
	Model       string        `json:"model,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsedAt  time.Time     `json:"last_used_at"`
	TurnCount   int           `json:"turn_count"`
	Thread      engine.Thread `json:"-"`
}

// sidecar is the audit metadata persisted on eviction. The engine thread
// handle itself is not persistable: once an entry leaves memory, the
// conversation is gone and ThreadID only records which thread it was.
type sidecar struct {
	SessionID   string    `json:"session_id"`
	ThreadID    string    `json:"thread_id"`
	WorkspaceID string    `json:"workspace_id"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	TurnCount   int       `json:"turn_count"`
}

// Cache holds live sessions in a size- and TTL-bounded LRU. Evicted and
// expired entries drop their in-process thread handle and persist an
// audit sidecar; the conversation itself does not survive eviction or a
// process restart.
type Cache struct {
	lru       *expirable.LRU[string, *Entry]
	engine    engine.Engine
	mountPath string
	ttl       time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCache(eng engine.Engine, mountPath string, maxEntries int, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &Cache{
		engine:    eng,
		mountPath: mountPath,
		ttl:       ttl,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
	c.lru = expirable.NewLRU[string, *Entry](maxEntries, c.onEvict, ttl)

	if err := os.MkdirAll(filepath.Join(mountPath, SidecarDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sidecar dir: %w", err)
	}
	return c, nil
}

// Lock serializes runs on one session. The returned function releases it.
func (c *Cache) Lock(sessionID string) func() {
	c.mu.Lock()
	m, ok := c.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[sessionID] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// GetOrOpen returns the live entry for a session, opening a fresh thread
// on a miss. resumed reports whether the engine thread carried prior
// context; it is true only for a live in-memory hit. A sidecar found on
// disk is audit metadata from an evicted entry or a previous process: the
// engine handle it described is gone, so the session restarts under a
// newly minted id and the sidecar is stamped, not consumed. The returned
// entry's SessionID is authoritative.
func (c *Cache) GetOrOpen(ctx context.Context, sessionID, workspaceID string, opts engine.ThreadOptions) (entry *Entry, resumed bool, err error) {
	if e, ok := c.lru.Get(sessionID); ok {
		// Re-add to push the expiry window forward.
		c.lru.Add(sessionID, e)
		return e, true, nil
	}

	if sc, ok := c.readSidecar(sessionID); ok {
		if time.Since(sc.LastUsedAt) > c.ttl {
			c.removeSidecar(sessionID)
		} else {
			c.logger.Warn("session survives only as on-disk metadata; starting a new thread",
				zap.String("session_id", sessionID),
				zap.String("workspace_id", sc.WorkspaceID),
				zap.String("prior_thread_id", sc.ThreadID),
				zap.Time("last_used_at", sc.LastUsedAt))
			sc.LastUsedAt = time.Now().UTC()
			if err := c.writeSidecarRecord(sc); err != nil {
				c.logger.Warn("failed to update session sidecar",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			sessionID = uuid.New().String()
		}
	}

	thread, err := c.engine.OpenThread(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	e := &Entry{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Model:       opts.Model,
		CreatedAt:   now,
		LastUsedAt:  now,
		Thread:      thread,
	}
	c.lru.Add(sessionID, e)
	return e, false, nil
}

// Touch stamps a completed turn on the entry.
func (c *Cache) Touch(sessionID string) {
	if e, ok := c.lru.Get(sessionID); ok {
		e.LastUsedAt = time.Now().UTC()
		e.TurnCount++
		c.lru.Add(sessionID, e)
	}
}

// Get returns a live entry without opening anything.
func (c *Cache) Get(sessionID string) (*Entry, bool) {
	return c.lru.Get(sessionID)
}

// List returns the live entries, unordered.
func (c *Cache) List() []*Entry {
	return c.lru.Values()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Delete discards a session entirely: live entry, engine thread, and
// sidecar. The eviction callback writes a sidecar on Remove, so it is
// deleted afterwards. The serialization lock stays in the map: a request
// may still hold it, and dropping the entry would let a later execute
// mint a second mutex for the same session.
func (c *Cache) Delete(sessionID string) error {
	found := c.lru.Remove(sessionID)
	if _, ok := c.readSidecar(sessionID); ok {
		found = true
	}
	c.removeSidecar(sessionID)

	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// Close flushes every live entry to its sidecar. Called on shutdown.
func (c *Cache) Close() {
	c.lru.Purge()
}

// onEvict runs for capacity evictions, TTL expiry, Remove, and Purge.
// The thread handle is dropped but its identity persists in the sidecar.
func (c *Cache) onEvict(sessionID string, e *Entry) {
	if err := c.writeSidecar(e); err != nil {
		c.logger.Warn("failed to write session sidecar",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if e.Thread != nil {
		if err := e.Thread.Close(); err != nil {
			c.logger.Debug("thread close on evict", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (c *Cache) sidecarPath(sessionID string) string {
	return filepath.Join(c.mountPath, SidecarDir, sessionID+".json")
}

func (c *Cache) writeSidecar(e *Entry) error {
	sc := &sidecar{
		SessionID:   e.SessionID,
		WorkspaceID: e.WorkspaceID,
		Model:       e.Model,
		CreatedAt:   e.CreatedAt,
		LastUsedAt:  e.LastUsedAt,
		TurnCount:   e.TurnCount,
	}
	if e.Thread != nil {
		sc.ThreadID = e.Thread.ID()
	}
	return c.writeSidecarRecord(sc)
}

func (c *Cache) writeSidecarRecord(sc *sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}

	path := c.sidecarPath(sc.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Cache) readSidecar(sessionID string) (*sidecar, bool) {
	data, err := os.ReadFile(c.sidecarPath(sessionID))
	if err != nil {
		return nil, false
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		c.logger.Warn("corrupt session sidecar", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return &sc, true
}

func (c *Cache) removeSidecar(sessionID string) {
	if err := os.Remove(c.sidecarPath(sessionID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove session sidecar", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// CleanupStale deletes sidecars whose sessions have been idle past
// maxAge. Returns the number removed.
func (c *Cache) CleanupStale(maxAge time.Duration) (int, error) {
	dir := filepath.Join(c.mountPath, SidecarDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sidecar dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		c.logger.Info("stale session sidecars removed", zap.Int("count", removed))
	}
	return removed, nil
}
