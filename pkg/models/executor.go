package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Executor is a registered remote worker. Only the SHA-256 hash of its
// token is stored.
type Executor struct {
	ID            uuid.UUID         `db:"id"             json:"id"`
	UserID        uuid.UUID         `db:"user_id"        json:"-"`
	Name          string            `db:"name"           json:"name"`
	TokenHash     string            `db:"token_hash"     json:"-"`
	GPU           string            `db:"gpu"            json:"gpu"`
	CPU           string            `db:"cpu"            json:"cpu"`
	RAM           int64             `db:"ram"            json:"ram"`
	VRAM          int64             `db:"vram"           json:"vram"`
	CUDAVersion   string            `db:"cuda_version"   json:"cuda_version"`
	ComputeType   string            `db:"compute_type"   json:"compute_type"`
	IsActive      bool              `db:"is_active"      json:"is_active"`
	Metadata      json.RawMessage   `db:"metadata"       json:"metadata"`
	LastHeartbeat *time.Time        `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time         `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"     json:"updated_at"`
}

// ExecutorSpec is the hardware descriptor an agent reports on start-up.
// Nil fields keep their stored value. Metadata is an arbitrary JSON object
// that replaces the stored one when present.
type ExecutorSpec struct {
	GPU         *string         `json:"gpu"`
	CPU         *string         `json:"cpu"`
	RAM         *int64          `json:"ram"`
	VRAM        *int64          `json:"vram"`
	CUDAVersion *string         `json:"cuda_version"`
	ComputeType *string         `json:"compute_type"`
	Metadata    json.RawMessage `json:"metadata"`
}
