package utils

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SlugifyName makes a name safe for tmux session names and filesystem paths.
// tmux session names must not contain dots or colons, and spaces break
// target addressing.
func SlugifyName(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	for _, r := range []string{" ", ":", ".", "/", "\\"} {
		slug = strings.ReplaceAll(slug, r, "-")
	}
	// Collapse runs of dashes introduced by adjacent replacements.
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return strings.Trim(slug, "-")
}

// NewID generates a UUID for agents, requirements, and other long-lived rows.
func NewID() string {
	return uuid.New().String()
}

// NewShortID generates an 8-character hex ID for stories and PRs, similar
// to abbreviated git hashes.
func NewShortID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}
