// Package jobs queues background sync passes on Redis and runs them in the
// worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/internal/offline"
)

// Enqueuer schedules a background sync pass
type Enqueuer interface {
	EnqueueSync(ctx context.Context, p BackgroundSyncPayload) (string, error)
}

// ErrAlreadyQueued reports that a sync task for the same tag and minute is
// already waiting. The returned id names that task.
var ErrAlreadyQueued = errors.New("sync already queued")

// TaskClient is the part of *asynq.Client the enqueuer needs
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqEnqueuer enqueues sync tasks through an asynq client
type AsynqEnqueuer struct {
	Client TaskClient
}

func NewAsynqEnqueuer(redisAddr string) *AsynqEnqueuer {
	return &AsynqEnqueuer{Client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

// SyncTaskID names the task for tag in the minute of at. Requests that
// share both collapse into one task.
func SyncTaskID(tag string, at time.Time) string {
	return fmt.Sprintf("sync:%s:%d", tag, at.UTC().Truncate(time.Minute).Unix())
}

// NewSyncTask builds the task for a payload
func NewSyncTask(p BackgroundSyncPayload) (*asynq.Task, error) {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal sync payload: %w", err)
	}
	return asynq.NewTask(TaskBackgroundSync, payload,
		asynq.Queue(QueueSync),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	), nil
}

// EnqueueSync queues p under its SyncTaskID. A second request in the same
// minute returns that id with ErrAlreadyQueued.
func (e *AsynqEnqueuer) EnqueueSync(ctx context.Context, p BackgroundSyncPayload) (string, error) {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = time.Now().UTC()
	}
	task, err := NewSyncTask(p)
	if err != nil {
		return "", err
	}
	id := SyncTaskID(p.Tag, p.RequestedAt)
	info, err := e.Client.EnqueueContext(ctx, task, asynq.TaskID(id))
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		return id, ErrAlreadyQueued
	case err != nil:
		return "", fmt.Errorf("enqueue %s: %w", TaskBackgroundSync, err)
	}
	return info.ID, nil
}

func (e *AsynqEnqueuer) Close() error {
	return e.Client.Close()
}

// Syncer runs one background sync pass
type Syncer interface {
	BackgroundSync(ctx context.Context, tag string) (offline.SyncReport, error)
}

// SyncHandler processes sync tasks. Storage failures are retried; payloads
// that can never succeed are dropped.
type SyncHandler struct {
	Syncer Syncer
	Log    zerolog.Logger
}

func (h SyncHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p BackgroundSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Log.Error().Err(err).Msg("bad sync payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Tag == "" {
		return fmt.Errorf("sync payload without tag: %w", asynq.SkipRetry)
	}

	log := h.Log.With().Str("tag", p.Tag).Str("client", p.ClientID).Logger()
	log.Info().Msg("sync start")
	start := time.Now()

	report, err := h.Syncer.BackgroundSync(ctx, p.Tag)
	if err != nil {
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("sync failed")
		return err
	}
	if report.Ignored {
		log.Warn().Msg("sync tag not handled, dropping")
		return nil
	}
	log.Info().
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Dur("took", time.Since(start)).
		Msg("sync done")
	return nil
}

// NewServeMux routes sync tasks to h
func NewServeMux(h SyncHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskBackgroundSync, h)
	return mux
}
