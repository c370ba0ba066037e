// Package queue provides the durable work item queue on Redis Streams: one
// stream and one consumer group per agent, per-item acknowledgement, delayed
// redelivery, pending-claim recovery, and a parallel dead-letter stream.
package queue

import (
	"errors"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoItemsAvailable indicates a consume call returned nothing before
	// its block timeout.
	ErrNoItemsAvailable = errors.New("no items available")

	// ErrMalformedPayload indicates a stream entry that does not decode into
	// a work item. Such entries are acked and counted, never redelivered.
	ErrMalformedPayload = errors.New("malformed queue payload")
)

// Delivery is one consumed stream entry: the queue-assigned entry id plus the
// decoded work item. The entry id is what Ack and Nack operate on.
type Delivery struct {
	EntryID string
	Item    *models.WorkItem
}

// DLQEntry is one dead-lettered item with its origin metadata.
type DLQEntry struct {
	EntryID      string           `json:"entry_id"`
	Item         *models.WorkItem `json:"item"`
	OriginStream string           `json:"origin_stream"`
	ErrorTag     string           `json:"error_tag"`
	Error        string           `json:"error"`
	DeadAt       time.Time        `json:"dead_at"`
}
