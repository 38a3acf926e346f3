package cache

import "time"

// Session status values. A session may flip between active and
// disconnected any number of times; terminated is terminal.
const (
	SessionActive       = "active"
	SessionDisconnected = "disconnected"
	SessionTerminated   = "terminated"
)

// CacheSession is the cache's authoritative copy of a session: the row
// fields plus user id and container handle. The replay buffer lives
// alongside it under a separate list key.
type CacheSession struct {
	ID               string
	WorkspaceID      string
	UserID           string
	ContainerHandle  string
	MultiplexerName  string
	Window           int
	Cols             int
	Rows             int
	Status           string
	CreatedAt        time.Time
	LastSeen         time.Time
	ClosedAt         *time.Time
}

// CacheWorkspace mirrors Workspace for hot reads.
type CacheWorkspace struct {
	ID              string
	UserID          string
	OrgID           string
	Status          string
	ContainerHandle string
}
