package orchestrator

import (
	"fmt"
	"testing"
)

func queuedTask(id string, prio TaskPriority) *TaskDefinition {
	return &TaskDefinition{TaskID: id, Type: "shell", Priority: prio}
}

func TestTaskQueuePriorityOrder(t *testing.T) {
	q := newTaskQueue()
	q.Push(queuedTask("low-1", PriorityLow))
	q.Push(queuedTask("normal-1", PriorityNormal))
	q.Push(queuedTask("urgent-1", PriorityUrgent))
	q.Push(queuedTask("high-1", PriorityHigh))
	q.Push(queuedTask("normal-2", PriorityNormal))

	want := []string{"urgent-1", "high-1", "normal-1", "normal-2", "low-1"}
	for _, expected := range want {
		head, ok := q.Peek()
		if !ok {
			t.Fatalf("queue empty, expected %s", expected)
		}
		if head.TaskID != expected {
			t.Fatalf("head = %s, want %s", head.TaskID, expected)
		}
		if !q.PopHead(head.TaskID) {
			t.Fatalf("PopHead(%s) refused", head.TaskID)
		}
	}
	if _, ok := q.Peek(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestTaskQueuePopHeadStaleness(t *testing.T) {
	q := newTaskQueue()
	q.Push(queuedTask("normal-1", PriorityNormal))

	head, _ := q.Peek()
	// A higher-priority arrival between Peek and PopHead changes the head.
	q.Push(queuedTask("urgent-1", PriorityUrgent))
	if q.PopHead(head.TaskID) {
		t.Fatal("PopHead must refuse a stale head")
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.Len())
	}
	if !q.PopHead("urgent-1") {
		t.Fatal("PopHead should accept the current head")
	}
}

func TestTaskQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.Push(queuedTask("a", PriorityNormal))
	q.Push(queuedTask("b", PriorityNormal))
	q.Push(queuedTask("c", PriorityNormal))

	if !q.Remove("b") {
		t.Fatal("Remove(b) should succeed")
	}
	if q.Remove("b") {
		t.Fatal("second Remove(b) should fail")
	}
	if q.Remove("missing") {
		t.Fatal("Remove of unknown task should fail")
	}

	head, _ := q.Peek()
	if head.TaskID != "a" {
		t.Fatalf("head = %s, want a", head.TaskID)
	}
	q.PopHead("a")
	head, _ = q.Peek()
	if head.TaskID != "c" {
		t.Fatalf("head after removal = %s, want c", head.TaskID)
	}
}

func TestTaskQueueCounts(t *testing.T) {
	q := newTaskQueue()
	counts := q.Counts()
	for _, prio := range prioritiesDesc {
		if counts[prio] != 0 {
			t.Fatalf("empty queue count[%s] = %d", prio, counts[prio])
		}
	}

	for i := 0; i < 3; i++ {
		q.Push(queuedTask(fmt.Sprintf("n-%d", i), PriorityNormal))
	}
	q.Push(queuedTask("u-0", PriorityUrgent))

	counts = q.Counts()
	if counts[PriorityNormal] != 3 || counts[PriorityUrgent] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if q.Len() != 4 {
		t.Fatalf("len = %d, want 4", q.Len())
	}
}

func TestTaskQueueNilSafety(t *testing.T) {
	var q *taskQueue
	q.Push(queuedTask("x", PriorityNormal))
	if _, ok := q.Peek(); ok {
		t.Fatal("nil queue Peek should miss")
	}
	if q.PopHead("x") || q.Remove("x") {
		t.Fatal("nil queue mutation should fail")
	}
	if q.Len() != 0 {
		t.Fatal("nil queue len should be 0")
	}
}
