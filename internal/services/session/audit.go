package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AuditDir holds the per-session audit sidecars under the storage mount.
const AuditDir = ".sessions"

// AuditRecord is the durable per-session summary, written best-effort
// after each completed task.
type AuditRecord struct {
	SessionID   string    `json:"session_id"`
	WorkspaceID string    `json:"workspace_id"`
	KeyID       string    `json:"key_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	TaskCount   int       `json:"task_count"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	LastTaskAt  time.Time `json:"last_task_at"`
}

// AuditStore reads and writes the .sessions sidecars. Writes never fail
// a request; callers ignore the error after logging.
type AuditStore struct {
	mountPath string
	logger    *zap.Logger
}

func NewAuditStore(mountPath string, logger *zap.Logger) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Join(mountPath, AuditDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &AuditStore{mountPath: mountPath, logger: logger}, nil
}

func (s *AuditStore) path(sessionID string) string {
	return filepath.Join(s.mountPath, AuditDir, sessionID+".json")
}

// RecordTask bumps the session's task counter, creating the record on
// first use.
func (s *AuditStore) RecordTask(sessionID, workspaceID, keyID, model string, tokens int) {
	rec, err := s.Get(sessionID)
	if err != nil {
		now := time.Now().UTC()
		rec = &AuditRecord{
			SessionID:   sessionID,
			WorkspaceID: workspaceID,
			KeyID:       keyID,
			Model:       model,
			CreatedAt:   now,
		}
	}
	rec.TaskCount++
	rec.TotalTokens += tokens
	rec.LastTaskAt = time.Now().UTC()

	if err := s.write(rec); err != nil {
		s.logger.Warn("failed to write session audit",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *AuditStore) write(rec *AuditRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(rec.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *AuditStore) Get(sessionID string) (*AuditRecord, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var rec AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session audit %s: %w", sessionID, err)
	}
	return &rec, nil
}

// List returns every audit record on disk, unordered.
func (s *AuditStore) List() ([]*AuditRecord, error) {
	dir := filepath.Join(s.mountPath, AuditDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit dir: %w", err)
	}

	var out []*AuditRecord
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(de.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable session audit", zap.String("file", de.Name()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *AuditStore) Delete(sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// CleanupStale removes audit records idle past maxAge, by file mtime.
func (s *AuditStore) CleanupStale(maxAge time.Duration) (int, error) {
	dir := filepath.Join(s.mountPath, AuditDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read audit dir: %w", err)
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
	return removed, nil
}
