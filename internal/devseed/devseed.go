// Package devseed creates a ready-to-use user, API key, executor, template,
// and endpoint for local development.
package devseed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/credentials"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// ErrAlreadySeeded is returned when the seed user already exists.
var ErrAlreadySeeded = errors.New("seed user already exists")

// Options controls what gets created.
type Options struct {
	Email        string
	ExecutorName string
	Image        string
	EndpointName string
}

func (o *Options) defaults() {
	if o.Email == "" {
		o.Email = "dev@imagepod.local"
	}
	if o.ExecutorName == "" {
		o.ExecutorName = "dev-gpu"
	}
	if o.Image == "" {
		o.Image = "imagepod/echo:latest"
	}
	if o.EndpointName == "" {
		o.EndpointName = "dev-echo"
	}
}

// Result holds the ids and raw credentials of the seeded records. The raw
// credentials are not recoverable after Run returns.
type Result struct {
	UserID        uuid.UUID
	APIKey        string
	ExecutorID    uuid.UUID
	ExecutorToken string
	TemplateID    uuid.UUID
	EndpointID    uuid.UUID
}

// Run seeds st. The endpoint starts in Deploying so the executor picks it up
// on its first poll.
func Run(ctx context.Context, st store.Store, opts Options, logger *slog.Logger) (*Result, error) {
	opts.defaults()
	now := time.Now().UTC()
	res := &Result{}

	user := &models.User{
		ID:        uuid.New(),
		Email:     opts.Email,
		Name:      "Developer",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySeeded, opts.Email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	res.UserID = user.ID
	logger.InfoContext(ctx, "created user", "user_id", user.ID, "email", user.Email)

	key, err := credentials.NewAPIKey()
	if err != nil {
		return nil, err
	}
	if err := st.CreateAPIKey(ctx, &models.APIKey{
		ID:        uuid.New(),
		UserID:    user.ID,
		Name:      "devseed",
		KeyHash:   key.Hash,
		KeyPrefix: key.Prefix,
		Scopes:    []string{models.ScopeJobs, models.ScopeEndpoints},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	res.APIKey = key.Raw
	logger.InfoContext(ctx, "created api key", "prefix", key.Prefix)

	token, err := credentials.NewExecutorToken()
	if err != nil {
		return nil, err
	}
	exec := &models.Executor{
		ID:        uuid.New(),
		UserID:    user.ID,
		Name:      opts.ExecutorName,
		TokenHash: credentials.HashExecutorToken(token),
		IsActive:  true,
		Metadata:  json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateExecutor(ctx, exec); err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	res.ExecutorID, res.ExecutorToken = exec.ID, token
	logger.InfoContext(ctx, "created executor", "executor_id", exec.ID, "name", exec.Name)

	tmpl := &models.Template{
		ID:        uuid.New(),
		Name:      opts.EndpointName + "-template",
		ImageName: opts.Image,
		Env:       map[string]string{},
		CreatedAt: now,
	}
	if err := st.CreateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	res.TemplateID = tmpl.ID

	ep := &models.Endpoint{
		ID:         uuid.New(),
		UserID:     user.ID,
		Name:       opts.EndpointName,
		TemplateID: tmpl.ID,
		ExecutorID: exec.ID,
		Status:     models.EndpointStatusDeploying,
		Env:        map[string]string{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	res.EndpointID = ep.ID
	logger.InfoContext(ctx, "created endpoint", "endpoint_id", ep.ID, "image", opts.Image)

	return res, nil
}
