package gateway

import (
	"errors"
	"time"
)

var errSessionDenied = errors.New("session not found or access denied")

// nowUTC centralizes time.Now().UTC() so every timestamp gateway writes is
// in the same zone, matching internal/records' use of the database's own
// now() for comparison.
func nowUTC() time.Time { return time.Now().UTC() }
