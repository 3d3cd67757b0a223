package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
)

// maxScan bounds how far one DequeueBatch call walks past invisible or
// filtered-out entries before giving up for this poll.
const maxScan = 256

// Queue implements the durable task queue over a StoragePort. Pending
// tasks live under sequence-ordered keys; a dequeue atomically moves the
// record to the claimed keyspace, so at any instant every unacknowledged
// task exists in exactly one of the two.
type Queue struct {
	storage ports.StoragePort
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

func New(storage ports.StoragePort, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		storage: storage,
		logger:  logger.With("component", "queue"),
		now:     time.Now,
	}
}

func (q *Queue) Enqueue(task domain.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", domain.NewClosedError("queue")
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueSequenceKey())
	if err != nil {
		return "", err
	}

	return task.ID, q.putPending(task, sequence)
}

func (q *Queue) putPending(task domain.Task, sequence int64) error {
	item := domain.NewPendingTask(task, sequence)
	itemBytes, err := item.ToBytes()
	if err != nil {
		return err
	}

	return q.storage.Put(domain.QueuePendingKey(sequence), itemBytes)
}

func (q *Queue) DequeueBatch(limit int, classFilter domain.NodeClass) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewClosedError("queue")
	}
	if limit <= 0 {
		return nil, nil
	}

	now := q.now()
	var batch []domain.Task
	scanned := 0

	currentKey, value, exists, err := q.storage.GetNext(domain.QueuePendingPrefix)
	if err != nil {
		return nil, err
	}

	for exists && len(batch) < limit && scanned < maxScan {
		scanned++

		item, err := domain.PendingTaskFromBytes(value)
		if err != nil {
			q.logger.Error("skipping corrupt pending record", "key", currentKey, "error", err)
		} else if q.eligible(&item.Task, classFilter, now) {
			claimed := domain.NewClaimedTask(item.Task, item.Sequence)
			claimedBytes, err := claimed.ToBytes()
			if err != nil {
				return batch, err
			}

			err = q.storage.BatchWrite([]ports.WriteOp{
				{Type: ports.OpDelete, Key: currentKey},
				{Type: ports.OpPut, Key: domain.QueueClaimedKey(item.Task.ID), Value: claimedBytes},
			})
			if err != nil {
				return batch, err
			}

			batch = append(batch, item.Task)
		}

		currentKey, value, exists, err = q.storage.GetNextAfter(domain.QueuePendingPrefix, currentKey)
		if err != nil {
			return batch, err
		}
	}

	return batch, nil
}

func (q *Queue) eligible(task *domain.Task, classFilter domain.NodeClass, now time.Time) bool {
	if classFilter != "" && task.Class != classFilter {
		return false
	}
	return task.Visible(now)
}

func (q *Queue) Ack(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewClosedError("queue")
	}

	return q.storage.Delete(domain.QueueClaimedKey(taskID))
}

func (q *Queue) Nack(taskID string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewClosedError("queue")
	}

	claimed, err := q.getClaimed(taskID)
	if err != nil {
		return err
	}

	now := q.now()
	task := claimed.Task
	task.Attempt++
	task.VisibleAfter = now.Add(retryAfter)
	if task.FirstFailedAt == nil {
		task.FirstFailedAt = &now
	}

	return q.requeue(task, claimed.Sequence)
}

func (q *Queue) Release(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewClosedError("queue")
	}

	claimed, err := q.getClaimed(taskID)
	if err != nil {
		return err
	}

	return q.requeue(claimed.Task, claimed.Sequence)
}

// requeue moves a claimed task back to pending at its original sequence in
// one write batch.
func (q *Queue) requeue(task domain.Task, sequence int64) error {
	item := domain.NewPendingTask(task, sequence)
	itemBytes, err := item.ToBytes()
	if err != nil {
		return err
	}

	return q.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.QueueClaimedKey(task.ID)},
		{Type: ports.OpPut, Key: domain.QueuePendingKey(sequence), Value: itemBytes},
	})
}

func (q *Queue) DeadLetter(taskID string, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewClosedError("queue")
	}

	claimed, err := q.getClaimed(taskID)
	if err != nil {
		return err
	}

	now := q.now()
	task := claimed.Task

	firstFailed := now
	if task.FirstFailedAt != nil {
		firstFailed = *task.FirstFailedAt
	}

	record := domain.DeadLetterRecord{
		TaskID:         task.ID,
		ExecutionID:    task.ExecutionID,
		NodeID:         task.NodeID,
		FinalAttempts:  task.Attempt + 1,
		LastError:      lastError,
		FirstFailedAt:  firstFailed,
		DeadLetteredAt: now,
		Payload:        task.Payload,
		Snapshot:       task,
	}

	recordBytes, err := record.ToBytes()
	if err != nil {
		return err
	}

	return q.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.QueueClaimedKey(taskID)},
		{Type: ports.OpPut, Key: domain.QueueDeadLetterKey(taskID), Value: recordBytes},
	})
}

func (q *Queue) DeadLetters(limit int) ([]domain.DeadLetterRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewClosedError("queue")
	}

	items, err := q.storage.ListByPrefix(domain.QueueDeadLetterPrefix)
	if err != nil {
		return nil, err
	}

	var records []domain.DeadLetterRecord
	for i, item := range items {
		if limit > 0 && i >= limit {
			break
		}

		record, err := domain.DeadLetterRecordFromBytes(item.Value)
		if err != nil {
			q.logger.Error("skipping corrupt dead-letter record", "key", item.Key, "error", err)
			continue
		}
		records = append(records, *record)
	}

	return records, nil
}

func (q *Queue) DeadLetterSize() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, domain.NewClosedError("queue")
	}

	return q.storage.CountPrefix(domain.QueueDeadLetterPrefix)
}

func (q *Queue) GetDeadLetter(taskID string) (*domain.DeadLetterRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewClosedError("queue")
	}

	return q.getDeadLetter(taskID)
}

func (q *Queue) getDeadLetter(taskID string) (*domain.DeadLetterRecord, error) {
	key := domain.QueueDeadLetterKey(taskID)
	value, exists, err := q.storage.Get(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewKeyNotFoundError(key)
	}

	return domain.DeadLetterRecordFromBytes(value)
}

func (q *Queue) RetryFromDeadLetter(taskID string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewClosedError("queue")
	}

	record, err := q.getDeadLetter(taskID)
	if err != nil {
		return nil, err
	}

	task := record.Snapshot
	task.Attempt = 0
	task.VisibleAfter = time.Time{}
	task.FirstFailedAt = nil

	sequence, err := q.storage.AtomicIncrement(domain.QueueSequenceKey())
	if err != nil {
		return nil, err
	}

	if err := q.putPending(task, sequence); err != nil {
		return nil, err
	}

	if err := q.storage.Delete(domain.QueueDeadLetterKey(taskID)); err != nil {
		return nil, err
	}

	q.logger.Info("dead-lettered task re-enqueued by operator",
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"node_id", task.NodeID,
	)

	return &task, nil
}

func (q *Queue) PendingTasks() ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewClosedError("queue")
	}

	items, err := q.storage.ListByPrefix(domain.QueuePendingPrefix)
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.Task, 0, len(items))
	for _, item := range items {
		pending, err := domain.PendingTaskFromBytes(item.Value)
		if err != nil {
			q.logger.Error("skipping corrupt pending record", "key", item.Key, "error", err)
			continue
		}
		tasks = append(tasks, pending.Task)
	}

	return tasks, nil
}

func (q *Queue) RecoverInFlight() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, domain.NewClosedError("queue")
	}

	items, err := q.storage.ListByPrefix(domain.QueueClaimedPrefix)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, item := range items {
		claimed, err := domain.ClaimedTaskFromBytes(item.Value)
		if err != nil {
			q.logger.Error("skipping corrupt claim during recovery", "key", item.Key, "error", err)
			continue
		}

		task := claimed.Task
		task.VisibleAfter = time.Time{}

		if err := q.requeue(task, claimed.Sequence); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("replayed unacknowledged tasks after restart", "count", recovered)
	}

	return recovered, nil
}

func (q *Queue) WaitForItem(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	events, cancel, err := q.storage.Subscribe(domain.QueuePendingPrefix)
	if err != nil {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		defer cancel()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Type != ports.EventPut {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, domain.NewClosedError("queue")
	}

	return q.storage.CountPrefix(domain.QueuePendingPrefix)
}

func (q *Queue) Stats() (ports.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ports.QueueStats{}, domain.NewClosedError("queue")
	}

	var stats ports.QueueStats
	var err error

	if stats.Pending, err = q.storage.CountPrefix(domain.QueuePendingPrefix); err != nil {
		return stats, err
	}
	if stats.Claimed, err = q.storage.CountPrefix(domain.QueueClaimedPrefix); err != nil {
		return stats, err
	}
	if stats.DeadLetter, err = q.storage.CountPrefix(domain.QueueDeadLetterPrefix); err != nil {
		return stats, err
	}

	return stats, nil
}

func (q *Queue) getClaimed(taskID string) (*domain.ClaimedTask, error) {
	key := domain.QueueClaimedKey(taskID)
	value, exists, err := q.storage.Get(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewKeyNotFoundError(key)
	}

	return domain.ClaimedTaskFromBytes(value)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}
