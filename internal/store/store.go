package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidReference = errors.New("referenced resource does not exist")

// Store is the data access interface. All database operations go through here.
//
// Methods suffixed AsExecutor only touch rows owned by the given executor; a
// row owned by someone else is reported as ErrNotFound.
//
// UpdateJobAsExecutor also returns the job's status before the call, so
// callers can tell an applied transition from a refresh or a no-op.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateExecutor(ctx context.Context, executor *models.Executor) error
	GetExecutor(ctx context.Context, id uuid.UUID) (*models.Executor, error)
	GetExecutorByTokenHash(ctx context.Context, tokenHash string) (*models.Executor, error)
	TouchExecutorHeartbeat(ctx context.Context, id uuid.UUID) error
	UpdateExecutorSpec(ctx context.Context, id uuid.UUID, spec models.ExecutorSpec) (*models.Executor, error)

	CreateTemplate(ctx context.Context, tmpl *models.Template) error

	CreateEndpoint(ctx context.Context, endpoint *models.Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error)
	AssignEndpointExecutor(ctx context.Context, endpointID, executorID uuid.UUID) (*models.Endpoint, error)
	ListEndpointsForExecutor(ctx context.Context, executorID uuid.UUID, status models.EndpointStatus) ([]*models.EndpointSummary, error)
	UpdateEndpointStatusAsExecutor(ctx context.Context, executorID, endpointID uuid.UUID, status models.EndpointStatus) (*models.Endpoint, error)
	MarkEndpointDeploying(ctx context.Context, endpointID, userID uuid.UUID) (*models.Endpoint, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobsInQueue(ctx context.Context, executorID uuid.UUID) ([]*models.Job, error)
	UpdateJobAsExecutor(ctx context.Context, executorID, jobID uuid.UUID, fields models.JobFields) (*models.Job, models.JobStatus, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	TimeOutRunningJobs(ctx context.Context, startedBefore time.Time) ([]*models.Job, error)
}

// terminalStatusList is the SQL literal form of models.TerminalJobStatuses.
const terminalStatusList = `('COMPLETED', 'FAILED', 'CANCELLED', 'TIMED_OUT')`
