// Package idgen generates the 12-character opaque ids used throughout
// termflux: session ids, workflow run ids, and workspace ids all come from
// the same generator. Ids derive from random UUIDs so they stay unique
// across processes.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 12-character opaque token derived from a random UUID.
func New() string {
	u := uuid.New()
	s := strings.ReplaceAll(u.String(), "-", "")
	return s[:12]
}

// Session returns a new session id.
func Session() string { return New() }

// Run returns a new workflow run id.
func Run() string { return New() }

// Workspace returns a new workspace id.
func Workspace() string { return New() }
