package models

import (
	"time"

	"github.com/google/uuid"
)

// EndpointStatus is the deployment state of an endpoint on its executor.
type EndpointStatus string

const (
	EndpointStatusDeploying EndpointStatus = "Deploying"
	EndpointStatusReady     EndpointStatus = "Ready"
	EndpointStatusUnhealthy EndpointStatus = "Unhealthy"
)

// Endpoint is a named deployment target that jobs are submitted against.
// Version is bumped on every mutating update.
type Endpoint struct {
	ID         uuid.UUID         `db:"id"          json:"id"`
	UserID     uuid.UUID         `db:"user_id"     json:"-"`
	Name       string            `db:"name"        json:"name"`
	TemplateID uuid.UUID         `db:"template_id" json:"template_id"`
	ExecutorID uuid.UUID         `db:"executor_id" json:"executor_id"`
	Status     EndpointStatus    `db:"status"      json:"status"`
	Env        map[string]string `db:"env"         json:"env"`
	Version    int64             `db:"version"     json:"version"`
	CreatedAt  time.Time         `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at"  json:"updated_at"`
}

// EndpointSummary is the endpoint view handed to executors, with the
// template inlined so the agent can start the container without a second
// round trip.
type EndpointSummary struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Status     EndpointStatus    `json:"status"`
	TemplateID uuid.UUID         `json:"template_id"`
	ExecutorID uuid.UUID         `json:"executor_id"`
	Template   Template          `json:"template"`
	Env        map[string]string `json:"env"`
	Version    int64             `json:"version"`
}
