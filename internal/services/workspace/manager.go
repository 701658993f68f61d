package workspace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// Info is one workspace in the inventory.
type Info struct {
	ID         string    `json:"id"`
	Path       string    `json:"-"`
	SizeBytes  int64     `json:"size_bytes"`
	FileCount  int       `json:"file_count"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileInfo is one entry in a workspace listing.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager presents per-workspace directories under a single mount path.
// All caller-supplied ids and subpaths pass through traversal checks
// before touching the filesystem.
type Manager struct {
	mountPath string
	gitName   string
	gitEmail  string
	logger    *zap.Logger
}

func NewManager(mountPath string, logger *zap.Logger) *Manager {
	return &Manager{
		mountPath: mountPath,
		gitName:   "taskbridge",
		gitEmail:  "taskbridge@localhost",
		logger:    logger,
	}
}

// Ensure creates the workspace directory if missing and initializes a git
// repository with a local identity on first use. Idempotent.
func (m *Manager) Ensure(workspaceID string) (string, error) {
	path, err := m.Resolve(workspaceID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); os.IsNotExist(err) {
		if err := m.gitInit(path); err != nil {
			// Engine threads run with VCS checks disabled, so a missing
			// repo degrades tracking but not execution.
			m.logger.Warn("git init failed",
				zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}

	return path, nil
}

func (m *Manager) gitInit(path string) error {
	steps := [][]string{
		{"init"},
		{"config", "user.name", m.gitName},
		{"config", "user.email", m.gitEmail},
	}
	for _, args := range steps {
		cmd := exec.Command("git", args...)
		cmd.Dir = path
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// Resolve maps a workspace id to its absolute path without creating it.
func (m *Manager) Resolve(workspaceID string) (string, error) {
	if err := checkPathComponent(workspaceID); err != nil {
		return "", err
	}
	return filepath.Join(m.mountPath, workspaceID), nil
}

// SafeJoin joins a caller-supplied relative path onto a workspace root,
// rejecting traversal.
func (m *Manager) SafeJoin(workspaceID, rel string) (string, error) {
	root, err := m.Resolve(workspaceID)
	if err != nil {
		return "", err
	}
	if rel == "" || rel == "." {
		return root, nil
	}
	if err := checkRelPath(rel); err != nil {
		return "", err
	}

	joined := filepath.Join(root, filepath.FromSlash(rel))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return joined, nil
}

func checkPathComponent(s string) error {
	if s == "" || s == "." || s == ".." {
		return ErrInvalidPath
	}
	if strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return ErrInvalidPath
	}
	return nil
}

func checkRelPath(rel string) error {
	if strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) || strings.ContainsRune(rel, 0) {
		return ErrInvalidPath
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

// Exists reports whether the workspace directory is present.
func (m *Manager) Exists(workspaceID string) bool {
	path, err := m.Resolve(workspaceID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ListFiles lists one directory level of a workspace, optionally scoped
// to a subpath. Dot-prefixed entries are skipped at the workspace root.
func (m *Manager) ListFiles(workspaceID, subpath string) ([]FileInfo, error) {
	dir, err := m.SafeJoin(workspaceID, subpath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}

	atRoot := subpath == "" || subpath == "."
	files := make([]FileInfo, 0, len(entries))
	for _, de := range entries {
		if atRoot && strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		rel := de.Name()
		if !atRoot {
			rel = strings.TrimSuffix(subpath, "/") + "/" + de.Name()
		}
		files = append(files, FileInfo{
			Name:       de.Name(),
			Path:       rel,
			SizeBytes:  info.Size(),
			IsDir:      de.IsDir(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return files, nil
}

// Delete removes a workspace directory recursively.
func (m *Manager) Delete(workspaceID string) error {
	path, err := m.Resolve(workspaceID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrWorkspaceNotFound
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	m.logger.Info("workspace deleted", zap.String("workspace_id", workspaceID))
	return nil
}

// List inventories every workspace under the mount, skipping dot-prefixed
// directories. Size and file count walk the whole tree.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.mountPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount: %w", err)
	}

	var out []Info
	for _, de := range entries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := filepath.Join(m.mountPath, de.Name())
		info := Info{ID: de.Name(), Path: path}

		var latest time.Time
		filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !fi.IsDir() {
				info.SizeBytes += fi.Size()
				info.FileCount++
			}
			if fi.ModTime().After(latest) {
				latest = fi.ModTime()
			}
			return nil
		})
		info.ModifiedAt = latest.UTC()
		out = append(out, info)
	}
	return out, nil
}

// RetentionSweep deletes workspaces whose newest file is older than the
// horizon. Returns the ids removed.
func (m *Manager) RetentionSweep(olderThan time.Duration) ([]string, error) {
	workspaces, err := m.List()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, ws := range workspaces {
		if ws.ModifiedAt.Before(cutoff) {
			if err := m.Delete(ws.ID); err != nil {
				m.logger.Warn("retention sweep delete failed",
					zap.String("workspace_id", ws.ID), zap.Error(err))
				continue
			}
			removed = append(removed, ws.ID)
		}
	}
	if len(removed) > 0 {
		m.logger.Info("retention sweep complete", zap.Int("removed", len(removed)))
	}
	return removed, nil
}
