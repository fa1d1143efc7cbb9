package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaycache/internal/relaycache"
)

type OutboxState string

const (
	OutboxPending  OutboxState = "pending"
	OutboxRejected OutboxState = "rejected"
)

// OutboxEntry is a write that has not been confirmed by the server. There is
// at most one per URL.
type OutboxEntry struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	ContentType string      `json:"contentType,omitempty"`
	Body        []byte      `json:"body"`
	QueuedAt    time.Time   `json:"queuedAt"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"lastError,omitempty"`
	State       OutboxState `json:"state"`
}

type Outbox struct {
	cache relaycache.Cache
	now   func() time.Time
	// mu guards read-modify-write sequences within this process.
	mu sync.Mutex
}

func NewOutbox(cache relaycache.Cache) *Outbox {
	return &Outbox{cache: cache, now: time.Now}
}

// Enqueue records body as the pending write for url, replacing any earlier
// unsent write for the same URL.
func (o *Outbox) Enqueue(ctx context.Context, url, contentType string, body []byte) (OutboxEntry, error) {
	if url == "" {
		return OutboxEntry{}, ErrInvalidRequest
	}
	entry := OutboxEntry{
		ID:          uuid.NewString(),
		URL:         url,
		ContentType: contentType,
		Body:        cloneBytes(body),
		QueuedAt:    o.now().UTC(),
		State:       OutboxPending,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.putLocked(ctx, entry); err != nil {
		return OutboxEntry{}, err
	}
	return entry, nil
}

func (o *Outbox) Get(ctx context.Context, url string) (OutboxEntry, bool, error) {
	data, ok, err := o.cache.Get(ctx, url)
	if err != nil || !ok {
		return OutboxEntry{}, false, err
	}
	var entry OutboxEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return OutboxEntry{}, false, fmt.Errorf("decode outbox entry for %s: %w", url, err)
	}
	return entry, true, nil
}

func (o *Outbox) Dequeue(ctx context.Context, url string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Delete(ctx, url)
}

// DequeueIf removes the entry for url only when it is still the entry with
// the given id.
func (o *Outbox) DequeueIf(ctx context.Context, url, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok, err := o.Get(ctx, url)
	if err != nil || !ok || entry.ID != id {
		return false, err
	}
	return o.cache.Delete(ctx, url)
}

// Entries lists every entry, pending or rejected, oldest first.
func (o *Outbox) Entries(ctx context.Context) ([]OutboxEntry, error) {
	keys, err := o.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OutboxEntry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := o.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (o *Outbox) Pending(ctx context.Context) ([]OutboxEntry, error) {
	entries, err := o.Entries(ctx)
	if err != nil {
		return nil, err
	}
	pending := entries[:0]
	for _, entry := range entries {
		if entry.State != OutboxRejected {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// RecordFailure counts a delivery attempt the server answered with a non-2xx
// status. The entry is rejected once attempts reach maxAttempts.
func (o *Outbox) RecordFailure(ctx context.Context, url, id, message string, maxAttempts int) (OutboxEntry, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok, err := o.Get(ctx, url)
	if err != nil || !ok || entry.ID != id {
		return OutboxEntry{}, false, err
	}
	entry.Attempts++
	entry.LastError = message
	if maxAttempts > 0 && entry.Attempts >= maxAttempts {
		entry.State = OutboxRejected
	}
	if err := o.putLocked(ctx, entry); err != nil {
		return OutboxEntry{}, false, err
	}
	return entry, true, nil
}

// Requeue makes a rejected entry eligible for replay again.
func (o *Outbox) Requeue(ctx context.Context, url string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok, err := o.Get(ctx, url)
	if err != nil || !ok {
		return false, err
	}
	entry.State = OutboxPending
	entry.Attempts = 0
	entry.LastError = ""
	return true, o.putLocked(ctx, entry)
}

func (o *Outbox) putLocked(ctx context.Context, entry OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return o.cache.Put(ctx, entry.URL, data)
}
