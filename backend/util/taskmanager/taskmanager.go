// Package taskmanager tracks progress of long-running tasks, such as model
// weight downloads, so that callers can render progress without knowing
// anything about the work being done.
package taskmanager

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTaskExists  = errors.New("task already exists")
	ErrTaskMissing = errors.New("task not found")
	ErrTaskIDEmpty = errors.New("task id must not be empty")
)

// Task is a snapshot of a tracked task.
type Task struct {
	ID          string
	Description string
	Total       int64
	Completed   int64
	Done        bool
}

// NotifyFunc is called with a task snapshot after every change.
type NotifyFunc func(Task)

// TaskManager manages long-running tasks.
type TaskManager struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string
	notify NotifyFunc
}

// New creates a new TaskManager.
func New() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
	}
}

// SetNotify registers a callback invoked after every task change.
// The callback is invoked without holding internal locks.
func (m *TaskManager) SetNotify(fn NotifyFunc) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// AddTask adds a new task with the given ID and description.
func (m *TaskManager) AddTask(id, description string, total int64) (Task, error) {
	if id == "" {
		return Task{}, ErrTaskIDEmpty
	}

	m.mu.Lock()
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", id, ErrTaskExists)
	}

	task := &Task{
		ID:          id,
		Description: description,
		Total:       total,
	}
	m.tasks[id] = task
	m.order = append(m.order, id)
	snap, notify := *task, m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(snap)
	}

	return snap, nil
}

// UpdateProgress updates the progress of the given task.
func (m *TaskManager) UpdateProgress(id string, total, completed int64) (Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", id, ErrTaskMissing)
	}

	if completed > total {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: completed %d exceeds total %d", id, completed, total)
	}

	task.Total = total
	task.Completed = completed
	snap, notify := *task, m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(snap)
	}

	return snap, nil
}

// CompleteTask marks the given task as done.
func (m *TaskManager) CompleteTask(id string) (Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %q: %w", id, ErrTaskMissing)
	}

	task.Completed = task.Total
	task.Done = true
	snap, notify := *task, m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(snap)
	}

	return snap, nil
}

// DeleteTask deletes the given task.
func (m *TaskManager) DeleteTask(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %q: %w", id, ErrTaskMissing)
	}

	delete(m.tasks, id)
	for i, tid := range m.order {
		if tid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return *task, nil
}

// Tasks returns the list of current tasks in the order they were added.
func (m *TaskManager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Task, 0, len(m.tasks))
	for _, id := range m.order {
		list = append(list, *m.tasks[id])
	}

	return list
}
