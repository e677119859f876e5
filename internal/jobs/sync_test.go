package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/campusedge/internal/offline"
)

type fakeSyncer struct {
	tags   []string
	report offline.SyncReport
	err    error
}

func (f *fakeSyncer) BackgroundSync(_ context.Context, tag string) (offline.SyncReport, error) {
	f.tags = append(f.tags, tag)
	r := f.report
	r.Tag = tag
	return r, f.err
}

func TestNewSyncTask(t *testing.T) {
	task, err := NewSyncTask(BackgroundSyncPayload{Tag: offline.DefaultSyncTag, ClientID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, TaskBackgroundSync, task.Type())

	var p BackgroundSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, offline.DefaultSyncTag, p.Tag)
	assert.Equal(t, "c-1", p.ClientID)
	assert.False(t, p.RequestedAt.IsZero())
}

// recordingClient stands in for the asynq client and remembers task ids
type recordingClient struct {
	ids map[string]bool
	err error
}

func (c *recordingClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id, _ = o.Value().(string)
		}
	}
	if c.ids[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	c.ids[id] = true
	return &asynq.TaskInfo{ID: id, Queue: QueueSync, Type: task.Type()}, nil
}

func (c *recordingClient) Close() error { return nil }

func TestSyncTaskID(t *testing.T) {
	at := time.Date(2026, 3, 9, 10, 15, 5, 0, time.UTC)
	assert.Equal(t, SyncTaskID("background-sync", at), SyncTaskID("background-sync", at.Add(40*time.Second)))
	assert.NotEqual(t, SyncTaskID("background-sync", at), SyncTaskID("background-sync", at.Add(time.Minute)))
	assert.NotEqual(t, SyncTaskID("background-sync", at), SyncTaskID("other", at))
}

func TestEnqueueSyncCollapsesRepeats(t *testing.T) {
	client := &recordingClient{ids: map[string]bool{}}
	e := &AsynqEnqueuer{Client: client}
	ctx := context.Background()
	at := time.Date(2026, 3, 9, 10, 15, 5, 0, time.UTC)

	first, err := e.EnqueueSync(ctx, BackgroundSyncPayload{Tag: "background-sync", RequestedAt: at, ClientID: "c-1"})
	require.NoError(t, err)

	// a different client and timestamp in the same minute
	second, err := e.EnqueueSync(ctx, BackgroundSyncPayload{Tag: "background-sync", RequestedAt: at.Add(30 * time.Second), ClientID: "c-2"})
	require.ErrorIs(t, err, ErrAlreadyQueued)
	assert.Equal(t, first, second)
	assert.Len(t, client.ids, 1)

	_, err = e.EnqueueSync(ctx, BackgroundSyncPayload{Tag: "background-sync", RequestedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, client.ids, 2)
}

func TestEnqueueSyncErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantDup bool
	}{
		{"id conflict", asynq.ErrTaskIDConflict, true},
		{"duplicate", asynq.ErrDuplicateTask, true},
		{"redis down", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &AsynqEnqueuer{Client: &recordingClient{err: tt.err}}
			id, err := e.EnqueueSync(context.Background(), BackgroundSyncPayload{Tag: "background-sync"})
			require.Error(t, err)
			assert.Equal(t, tt.wantDup, errors.Is(err, ErrAlreadyQueued))
			if tt.wantDup {
				assert.NotEmpty(t, id)
			} else {
				assert.Empty(t, id)
			}
		})
	}
}

func TestSyncHandler(t *testing.T) {
	payload := func(tag string) []byte {
		b, _ := json.Marshal(BackgroundSyncPayload{Tag: tag, RequestedAt: time.Now()})
		return b
	}

	tests := []struct {
		name      string
		payload   []byte
		syncer    *fakeSyncer
		wantErr   bool
		skipRetry bool
		wantCalls int
	}{
		{"ok", payload("background-sync"), &fakeSyncer{report: offline.SyncReport{Checked: 2, Updated: 2}}, false, false, 1},
		{"ignored tag", payload("other"), &fakeSyncer{report: offline.SyncReport{Ignored: true}}, false, false, 1},
		{"storage failure retries", payload("background-sync"), &fakeSyncer{err: errors.New("db down")}, true, false, 1},
		{"bad json", []byte("{"), &fakeSyncer{}, true, true, 0},
		{"missing tag", payload(""), &fakeSyncer{}, true, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := SyncHandler{Syncer: tt.syncer, Log: zerolog.Nop()}
			err := h.ProcessTask(context.Background(), asynq.NewTask(TaskBackgroundSync, tt.payload))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
			assert.Len(t, tt.syncer.tags, tt.wantCalls)
		})
	}
}
