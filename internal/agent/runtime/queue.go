package runtime

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
)

// Task is one unit of browser work waiting for a dispatch slot
type Task struct {
	ID       string
	AgentID  string
	ChatID   string // empty for tasks submitted over the API
	Input    string
	QueuedAt time.Time
}

// TaskQueue is a bounded FIFO of pending tasks for one agent
type TaskQueue struct {
	mu      sync.RWMutex
	tasks   []*Task
	taskMap map[string]*Task // For quick lookup by task ID
	maxSize int
}

// NewTaskQueue creates a new task queue
func NewTaskQueue(maxSize int) *TaskQueue {
	return &TaskQueue{
		tasks:   make([]*Task, 0),
		taskMap: make(map[string]*Task),
		maxSize: maxSize,
	}
}

// Enqueue adds a task to the back of the queue
// Returns error if queue is full or task already exists
func (q *TaskQueue) Enqueue(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}

	if q.maxSize > 0 && len(q.tasks) >= q.maxSize {
		return ErrQueueFull
	}

	if task.QueuedAt.IsZero() {
		task.QueuedAt = time.Now()
	}

	q.tasks = append(q.tasks, task)
	q.taskMap[task.ID] = task
	return nil
}

// Dequeue removes and returns the oldest task
// Returns nil if queue is empty
func (q *TaskQueue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}

	task := q.tasks[0]
	q.tasks[0] = nil // avoid memory leak
	q.tasks = q.tasks[1:]
	delete(q.taskMap, task.ID)
	return task
}

// Contains checks if a task is in the queue
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.taskMap[taskID]
	return exists
}

// Len returns the number of tasks in the queue
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.tasks)
}

// IsFull returns true if the queue is at max capacity
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.maxSize > 0 && len(q.tasks) >= q.maxSize
}

// List returns all queued tasks in FIFO order (for status endpoints)
func (q *TaskQueue) List() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Task, len(q.tasks))
	copy(result, q.tasks)
	return result
}

// Clear removes all tasks from the queue and returns the dropped tasks
func (q *TaskQueue) Clear() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.tasks
	q.tasks = make([]*Task, 0)
	q.taskMap = make(map[string]*Task)
	return dropped
}
