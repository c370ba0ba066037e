package models

import (
	"time"
)

// ChangeEvent is a normalized change-feed event. The watcher tags each event
// with its resume token and a per-watcher sequence number; the dispatcher
// acknowledges the sequence only after every derived work item is enqueued,
// which is what makes the token durable.
type ChangeEvent struct {
	WatcherID   string          `json:"watcher_id"`
	Seq         uint64          `json:"seq"`
	ResumeToken ResumeTokenData `json:"resume_token"`

	Operation    ChangeOperation `json:"operation"`
	Database     string          `json:"database"`
	Collection   string          `json:"collection"`
	DocumentID   any             `json:"document_id"`
	FullDocument map[string]any  `json:"full_document,omitempty"`
	ClusterTime  time.Time       `json:"cluster_time"`
}

// Namespace returns the event's database.collection pair
func (e *ChangeEvent) Namespace() string {
	return e.Database + "." + e.Collection
}

// ResumeTokenData is the opaque change stream position marker. MongoDB
// change streams encode it as {"_data": "<hex>"}.
type ResumeTokenData map[string]any

// EventAck reports a processed sequence back to the owning watcher
type EventAck struct {
	WatcherID string
	Seq       uint64
}
