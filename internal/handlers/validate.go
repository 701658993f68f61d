package handlers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// validateIdentifier checks workspace and session ids.
func validateIdentifier(field, value string) error {
	if !identifierRe.MatchString(value) {
		return fmt.Errorf("%s must match [A-Za-z0-9_-]{1,128}", field)
	}
	return nil
}

// validateFilePath rejects traversal before the path ever reaches the
// filesystem layer.
func validateFilePath(p string) error {
	if p == "" {
		return fmt.Errorf("path is required")
	}
	if len(p) > 1024 {
		return fmt.Errorf("path exceeds 1024 characters")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") {
		return fmt.Errorf("path must be relative")
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("path must not contain backslashes")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("path must not contain ..")
		}
	}
	return nil
}

func validateTask(task string, maxLen int) error {
	if task == "" {
		return fmt.Errorf("task is required")
	}
	if maxLen > 0 && len(task) > maxLen {
		return fmt.Errorf("task exceeds %d bytes", maxLen)
	}
	return nil
}

func validateMCPServers(servers []engine.MCPServer) error {
	for i := range servers {
		if err := servers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
