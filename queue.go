package orchestrator

import "sync"

// taskQueue holds pending task definitions in one FIFO bucket per priority.
// Dispatch considers only the head of the highest non-empty bucket, so a
// blocked high-priority task never lets lower-priority work overtake it.
type taskQueue struct {
	mu      sync.Mutex
	buckets map[TaskPriority][]*TaskDefinition
}

func newTaskQueue() *taskQueue {
	return &taskQueue{buckets: make(map[TaskPriority][]*TaskDefinition, len(prioritiesDesc))}
}

// Push appends the definition to the tail of its priority bucket.
func (q *taskQueue) Push(def *TaskDefinition) {
	if q == nil || def == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[def.Priority] = append(q.buckets[def.Priority], def)
}

// Peek returns the head of the highest non-empty bucket without removing it.
func (q *taskQueue) Peek() (*TaskDefinition, bool) {
	if q == nil {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, prio := range prioritiesDesc {
		if bucket := q.buckets[prio]; len(bucket) > 0 {
			return bucket[0], true
		}
	}
	return nil, false
}

// PopHead removes the head of the highest non-empty bucket if it still is
// the given task. Returns false when the head changed since Peek (cancelled
// or overtaken meanwhile).
func (q *taskQueue) PopHead(taskID string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, prio := range prioritiesDesc {
		bucket := q.buckets[prio]
		if len(bucket) == 0 {
			continue
		}
		if bucket[0].TaskID != taskID {
			return false
		}
		q.buckets[prio] = bucket[1:]
		return true
	}
	return false
}

// Remove deletes the task from whichever bucket holds it. Returns false when
// the task is not queued.
func (q *taskQueue) Remove(taskID string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for prio, bucket := range q.buckets {
		for i, def := range bucket {
			if def.TaskID != taskID {
				continue
			}
			q.buckets[prio] = append(bucket[:i:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// Counts returns the pending count per priority, including empty buckets.
func (q *taskQueue) Counts() map[TaskPriority]int {
	counts := make(map[TaskPriority]int, len(prioritiesDesc))
	for _, prio := range prioritiesDesc {
		counts[prio] = 0
	}
	if q == nil {
		return counts
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for prio, bucket := range q.buckets {
		counts[prio] = len(bucket)
	}
	return counts
}

// Len returns the total number of queued definitions.
func (q *taskQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, bucket := range q.buckets {
		total += len(bucket)
	}
	return total
}
