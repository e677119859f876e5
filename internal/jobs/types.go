package jobs

import "time"

const TaskBackgroundSync = "sync:background"

// QueueSync is the queue background sync tasks run on
const QueueSync = "sync"

type BackgroundSyncPayload struct {
	Tag         string    `json:"tag"`
	RequestedAt time.Time `json:"requested_at"`
	ClientID    string    `json:"client_id,omitempty"`
}
