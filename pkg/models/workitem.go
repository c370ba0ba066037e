package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Trigger records how a work item entered the queue
type Trigger string

const (
	// TriggerChange means the item was produced by the change feed
	TriggerChange Trigger = "change"
	// TriggerWebhook means the item was submitted through the manual enqueue surface
	TriggerWebhook Trigger = "webhook"
	// TriggerRetry means the item was re-driven from the dead-letter stream
	TriggerRetry Trigger = "retry"
)

// WorkItem is the queue payload: one (event, agent) pair awaiting execution.
// ItemID is assigned by the queue on produce; Attempt starts at 1 and is
// advanced on redelivery, never by admission-gate rejections.
type WorkItem struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"item_id,omitempty"`
	AgentID       string          `json:"agent_id"`
	AgentRevision int64           `json:"agent_revision"`
	DocumentID    any             `json:"document_id"`
	Document      map[string]any  `json:"document,omitempty"`
	Operation     ChangeOperation `json:"operation"`
	Trigger       Trigger         `json:"trigger"`

	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	// ScheduledAt defers execution; consumers re-enqueue items whose
	// schedule is still in the future.
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
}

// NewWorkItem builds a work item for an (event, agent) pair with attempt 1
func NewWorkItem(agent *Agent, documentID any, document map[string]any, op ChangeOperation, trigger Trigger, idempotencyKey string) *WorkItem {
	return &WorkItem{
		ID:             uuid.NewString(),
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     documentID,
		Document:       document,
		Operation:      op,
		Trigger:        trigger,
		Attempt:        1,
		IdempotencyKey: idempotencyKey,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// DocumentIDString renders the document id for keys and log lines
func (w *WorkItem) DocumentIDString() string {
	return StringifyDocumentID(w.DocumentID)
}

// StringifyDocumentID produces a stable string form of a document id.
// ObjectIDs and strings pass through; everything else is JSON-encoded.
func StringifyDocumentID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case interface{ Hex() string }:
		return v.Hex()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// FingerprintValue hashes a written value so idempotent replays can be
// verified without re-reading the target document.
func FingerprintValue(value any) string {
	b, err := canonicalJSON(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals with sorted map keys so equal values hash equally
func canonicalJSON(value any) ([]byte, error) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]json.RawMessage, 0, len(keys))
		for _, k := range keys {
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalJSON(v[k])
			if err != nil {
				return nil, err
			}
			parts = append(parts, append(append(kb, ':'), vb...))
		}
		out := []byte{'{'}
		for i, p := range parts {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, p...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range v {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
