package models

import (
	"time"

	"github.com/google/uuid"
)

// Template describes the container image an endpoint runs.
type Template struct {
	ID               uuid.UUID         `db:"id"                json:"id"`
	Name             string            `db:"name"              json:"name"`
	ImageName        string            `db:"image_name"        json:"image_name"`
	DockerEntrypoint []string          `db:"docker_entrypoint" json:"docker_entrypoint"`
	DockerStartCmd   []string          `db:"docker_start_cmd"  json:"docker_start_cmd"`
	Env              map[string]string `db:"env"               json:"env"`
	CreatedAt        time.Time         `db:"created_at"        json:"-"`
}
