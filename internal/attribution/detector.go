// Package attribution works out who the local user is, for interactions
// recorded by tools that are not told explicitly.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

var (
	cachedName string
	once       sync.Once
)

// DetectUser returns the best available user name.
// Checks in order: RECALL_USER env, git config user.name, USER env.
// It returns "" when none is set. The result is cached after the first call.
func DetectUser() string {
	once.Do(func() {
		cachedName = detectUserUncached()
	})
	return cachedName
}

// detectUserUncached performs detection without caching. Used for testing.
func detectUserUncached() string {
	if name := strings.TrimSpace(os.Getenv("RECALL_USER")); name != "" {
		return name
	}
	if name := gitUserName(); name != "" {
		return name
	}
	return strings.TrimSpace(os.Getenv("USER"))
}

// gitUserName runs `git config --get user.name` and returns the trimmed result.
// Returns empty string on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
