package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return classify("create user", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, is_active, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return classify("create api key", err)
	}
	return nil
}

// --- Executors ---

const executorColumns = `id, user_id, name, token_hash, gpu, cpu, ram, vram, cuda_version, compute_type,
	is_active, metadata, last_heartbeat, created_at, updated_at`

func scanExecutor(row pgx.Row) (*models.Executor, error) {
	var e models.Executor
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.TokenHash, &e.GPU, &e.CPU, &e.RAM, &e.VRAM,
		&e.CUDAVersion, &e.ComputeType, &e.IsActive, &e.Metadata, &e.LastHeartbeat,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateExecutor(ctx context.Context, e *models.Executor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executors (id, user_id, name, token_hash, gpu, cpu, ram, vram, cuda_version, compute_type,
		   is_active, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.UserID, e.Name, e.TokenHash, e.GPU, e.CPU, e.RAM, e.VRAM, e.CUDAVersion, e.ComputeType,
		e.IsActive, jsonObject(e.Metadata), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return classify("create executor", err)
	}
	return nil
}

func (s *PostgresStore) GetExecutor(ctx context.Context, id uuid.UUID) (*models.Executor, error) {
	e, err := scanExecutor(s.pool.QueryRow(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get executor: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetExecutorByTokenHash(ctx context.Context, tokenHash string) (*models.Executor, error) {
	e, err := scanExecutor(s.pool.QueryRow(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE token_hash = $1`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get executor by token: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) TouchExecutorHeartbeat(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executors SET last_heartbeat = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch executor heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExecutorSpec writes the descriptor fields that are set and keeps the
// stored value for the rest.
func (s *PostgresStore) UpdateExecutorSpec(ctx context.Context, id uuid.UUID, spec models.ExecutorSpec) (*models.Executor, error) {
	var metadata *string
	if len(spec.Metadata) > 0 {
		v := string(spec.Metadata)
		metadata = &v
	}

	e, err := scanExecutor(s.pool.QueryRow(ctx,
		`UPDATE executors SET
		   gpu            = COALESCE($2::text, gpu),
		   cpu            = COALESCE($3::text, cpu),
		   ram            = COALESCE($4::bigint, ram),
		   vram           = COALESCE($5::bigint, vram),
		   cuda_version   = COALESCE($6::text, cuda_version),
		   compute_type   = COALESCE($7::text, compute_type),
		   metadata       = COALESCE($8::jsonb, metadata),
		   last_heartbeat = NOW(),
		   updated_at     = NOW()
		 WHERE id = $1
		 RETURNING `+executorColumns,
		id, spec.GPU, spec.CPU, spec.RAM, spec.VRAM, spec.CUDAVersion, spec.ComputeType, metadata))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update executor spec: %w", err)
	}
	return e, nil
}

// --- Templates ---

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO templates (id, name, image_name, docker_entrypoint, docker_start_cmd, env, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.ImageName, stringSlice(t.DockerEntrypoint), stringSlice(t.DockerStartCmd),
		stringMap(t.Env), t.CreatedAt)
	if err != nil {
		return classify("create template", err)
	}
	return nil
}

// --- Endpoints ---

const endpointColumns = `id, user_id, name, template_id, executor_id, status, env, version, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*models.Endpoint, error) {
	var e models.Endpoint
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.TemplateID, &e.ExecutorID, &e.Status,
		&e.Env, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, e *models.Endpoint) error {
	if e.Version == 0 {
		e.Version = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO endpoints (id, user_id, name, template_id, executor_id, status, env, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Name, e.TemplateID, e.ExecutorID, e.Status, stringMap(e.Env), e.Version,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return classify("create endpoint", err)
	}
	return nil
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error) {
	e, err := scanEndpoint(s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) AssignEndpointExecutor(ctx context.Context, endpointID, executorID uuid.UUID) (*models.Endpoint, error) {
	e, err := scanEndpoint(s.pool.QueryRow(ctx,
		`UPDATE endpoints SET executor_id = $2, version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+endpointColumns, endpointID, executorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("assign endpoint executor", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEndpointsForExecutor(ctx context.Context, executorID uuid.UUID, status models.EndpointStatus) ([]*models.EndpointSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.name, e.status, e.template_id, e.executor_id, e.env, e.version,
		        t.id, t.name, t.image_name, t.docker_entrypoint, t.docker_start_cmd, t.env
		 FROM endpoints e
		 JOIN templates t ON t.id = e.template_id
		 WHERE e.executor_id = $1 AND ($2::text = '' OR e.status = $2::text)
		 ORDER BY e.created_at, e.id`, executorID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list endpoints for executor: %w", err)
	}
	defer rows.Close()

	summaries := []*models.EndpointSummary{}
	for rows.Next() {
		var es models.EndpointSummary
		if err := rows.Scan(&es.ID, &es.Name, &es.Status, &es.TemplateID, &es.ExecutorID, &es.Env, &es.Version,
			&es.Template.ID, &es.Template.Name, &es.Template.ImageName, &es.Template.DockerEntrypoint,
			&es.Template.DockerStartCmd, &es.Template.Env); err != nil {
			return nil, fmt.Errorf("scan endpoint summary: %w", err)
		}
		summaries = append(summaries, &es)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) UpdateEndpointStatusAsExecutor(ctx context.Context, executorID, endpointID uuid.UUID, status models.EndpointStatus) (*models.Endpoint, error) {
	e, err := scanEndpoint(s.pool.QueryRow(ctx,
		`UPDATE endpoints SET status = $3, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND executor_id = $2
		 RETURNING `+endpointColumns, endpointID, executorID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update endpoint status: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) MarkEndpointDeploying(ctx context.Context, endpointID, userID uuid.UUID) (*models.Endpoint, error) {
	e, err := scanEndpoint(s.pool.QueryRow(ctx,
		`UPDATE endpoints SET status = $3, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+endpointColumns, endpointID, userID, models.EndpointStatusDeploying))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark endpoint deploying: %w", err)
	}
	return e, nil
}

// --- Jobs ---

const jobColumns = `id, endpoint_id, executor_id, user_id, status, input, output, delay_time, execution_time,
	started_at, completed_at, created_at, updated_at`

// scanJob reads jobColumns followed by any extra destinations.
func scanJob(row pgx.Row, extra ...any) (*models.Job, error) {
	var j models.Job
	dest := []any{&j.ID, &j.EndpointID, &j.ExecutorID, &j.UserID, &j.Status, &j.Input, &j.Output,
		&j.DelayTime, &j.ExecutionTime, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, endpoint_id, executor_id, user_id, status, input, delay_time, execution_time,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		job.ID, job.EndpointID, job.ExecutorID, job.UserID, job.Status, string(job.Input),
		job.DelayTime, job.ExecutionTime, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return classify("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobsInQueue(ctx context.Context, executorID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE executor_id = $1 AND status = $2
		 ORDER BY created_at, id`, executorID, models.JobStatusInQueue)
	if err != nil {
		return nil, fmt.Errorf("get jobs in queue: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobAsExecutor writes the provided fields in one conditional UPDATE
// and returns the job together with its status before the call. Rows already
// in a terminal state are left untouched and returned as-is, so the first
// terminal write wins.
func (s *PostgresStore) UpdateJobAsExecutor(ctx context.Context, executorID, jobID uuid.UUID, f models.JobFields) (*models.Job, models.JobStatus, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	var output *string
	if len(f.Output) > 0 {
		v := string(f.Output)
		output = &v
	}

	var prev models.JobStatus
	j, err := scanJob(s.pool.QueryRow(ctx,
		`WITH prev AS (
		   SELECT id AS prev_id, status AS prev_status FROM jobs
		   WHERE id = $1 AND executor_id = $2
		   FOR UPDATE
		 )
		 UPDATE jobs SET
		   status         = COALESCE($3::text, status),
		   delay_time     = COALESCE($4::bigint, delay_time),
		   execution_time = COALESCE($5::bigint, execution_time),
		   output         = COALESCE($6::jsonb, output),
		   started_at     = CASE WHEN $3::text IS NOT NULL AND $3::text <> 'IN_QUEUE'
		                         THEN COALESCE(started_at, NOW()) ELSE started_at END,
		   completed_at   = CASE WHEN $3::text IN `+terminalStatusList+`
		                         THEN NOW() ELSE completed_at END,
		   updated_at     = NOW()
		 FROM prev
		 WHERE id = prev_id AND prev_status NOT IN `+terminalStatusList+`
		 RETURNING `+jobColumns+`, prev_status`,
		jobID, executorID, status, f.DelayTime, f.ExecutionTime, output), &prev)
	if err == nil {
		return j, prev, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("update job as executor: %w", err)
	}

	// Either the job is not this executor's, or it is already terminal.
	j, err = scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND executor_id = $2`, jobID, executorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get job after update: %w", err)
	}
	return j, j.Status, nil
}

// CancelJob moves an IN_QUEUE or RUNNING job to CANCELLED. A job already in
// a terminal state is returned unchanged.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('IN_QUEUE', 'RUNNING')
		 RETURNING `+jobColumns, jobID, models.JobStatusCancelled))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

// TimeOutRunningJobs marks RUNNING jobs started before the cutoff as TIMED_OUT
// and returns them.
func (s *PostgresStore) TimeOutRunningJobs(ctx context.Context, startedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE status = 'RUNNING' AND started_at < $1
		 RETURNING `+jobColumns, startedBefore, models.JobStatusTimedOut)
	if err != nil {
		return nil, fmt.Errorf("time out running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Helpers ---

// classify maps constraint violations to store sentinels and wraps everything
// else with the operation name.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return ErrDuplicateKey
		case pgerrcode.ForeignKeyViolation:
			return ErrInvalidReference
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// stringMap encodes m for a NOT NULL jsonb column.
func stringMap(m map[string]string) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(m)
	return b
}

// jsonObject returns raw for a NOT NULL jsonb column, or an empty object.
func jsonObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func stringSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
