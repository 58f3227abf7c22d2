// Package queue provides the outbound mutation queue: an ordered, durable
// log of local writes not yet acknowledged by the remote service.
package queue

import (
	"fmt"

	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/store"
)

// DefaultMaxRetries is the drain retry ceiling. An entry that fails this
// many times is parked: it stays queued but is never attempted again.
const DefaultMaxRetries = 3

// Queue manages pending mutations on top of the repository. Durability
// and FIFO ordering come from the mutation_queue table; the queue itself
// holds no state.
type Queue struct {
	repo       *store.Repository
	maxRetries int
}

// New creates a Queue with the default retry ceiling.
func New(repo *store.Repository) *Queue {
	return &Queue{repo: repo, maxRetries: DefaultMaxRetries}
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends a mutation. Callers that also change the local replica
// should prefer the repository's write-through operations, which cover
// both writes in one transaction.
func (q *Queue) Enqueue(kind models.MutationKind, t models.EntityType, payload []byte) (*models.Mutation, error) {
	m, err := q.repo.EnqueueMutation(kind, t, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue mutation: %w", err)
	}

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"mutation_id": m.ID,
		"kind":        m.Kind,
		"entity_type": m.EntityType,
	})
	return m, nil
}

// ListPending returns every queued entry in enqueue order, parked entries
// included.
func (q *Queue) ListPending() ([]*models.Mutation, error) {
	return q.repo.PendingMutations()
}

// Remove deletes an entry after a successful drain or an administrative
// skip.
func (q *Queue) Remove(id string) error {
	return q.repo.RemoveMutation(id)
}

// IncrementRetry bumps an entry's retry counter after a failed drain
// attempt.
func (q *Queue) IncrementRetry(id string) error {
	return q.repo.IncrementMutationRetry(id)
}

// Count returns the number of queued entries. Parked entries count too:
// they are still present, just never retried.
func (q *Queue) Count() (int, error) {
	return q.repo.MutationCount()
}

// Clear removes all entries.
func (q *Queue) Clear() error {
	if err := q.repo.ClearMutations(); err != nil {
		return err
	}
	logging.Info("Mutation queue cleared", nil)
	return nil
}

// Exhausted reports whether an entry has reached the retry ceiling.
func (q *Queue) Exhausted(m *models.Mutation) bool {
	return m.RetryCount >= q.maxRetries
}

// RetryExhausted resets parked entries so the next drain picks them up
// again. Never called automatically; exposed for operators who want the
// parked entries back instead of silently dropped.
func (q *Queue) RetryExhausted() (int, error) {
	n, err := q.repo.ResetExhaustedMutations(q.maxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset exhausted mutations for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}
