package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// RateLimitKey is the per-principal request counter for the current window.
func RateLimitKey(principal string) string {
	return fmt.Sprintf("ratelimit:%s", principal)
}

// HeartbeatKey marks that an executor's heartbeat was written recently.
func HeartbeatKey(executorID uuid.UUID) string {
	return fmt.Sprintf("heartbeat:%s", executorID)
}
