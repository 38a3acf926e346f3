// Package cache holds authoritative session liveness/routing state and
// replay buffers, backed by Redis. It is the only cross-process shared
// mutable state; keys are partitioned by session/workspace id.
package cache

import "fmt"

const (
	sessionTTLSeconds = 86400
	bufferCap         = 1000
)

func sessionKey(id string) string           { return fmt.Sprintf("session:%s", id) }
func sessionBufferKey(id string) string     { return fmt.Sprintf("session:%s:buffer", id) }
func workspaceKey(id string) string         { return fmt.Sprintf("workspace:%s", id) }
func workspaceSessionsKey(id string) string { return fmt.Sprintf("workspace:%s:sessions", id) }
func userSessionsKey(id string) string      { return fmt.Sprintf("user:%s:sessions", id) }
func userWorkspacesKey(id string) string    { return fmt.Sprintf("user:%s:workspaces", id) }
func authKey(token string) string           { return fmt.Sprintf("auth:%s", token) }
