// Package tasks tracks the cancellable background goroutines the Sampling
// Loop spawns for subprocess mode (spec §4.7): one sub-loop per discovered
// child pid, each independently stoppable without disturbing the others.
package tasks

import "sync"

// Manager tracks one cancellable Task per key (a child process id).
type Manager struct {
	mu    sync.Mutex
	tasks map[int]*Task
}

// Task is a single cancellable background goroutine.
type Task struct {
	stop          chan struct{}
	notifyStopped chan struct{}
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{tasks: map[int]*Task{}}
}

// Start launches f in its own goroutine under key, stopping (and replacing)
// whatever task previously ran under that key. f must return promptly after
// it receives a value on its stop channel.
func (m *Manager) Start(key int, f func(stop chan struct{})) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[key]; ok {
		existing.stopAndWait()
	}

	stop := make(chan struct{}, 1) // buffered: Stop must never block on a task that already exited
	notifyStopped := make(chan struct{})

	m.tasks[key] = &Task{stop: stop, notifyStopped: notifyStopped}

	go func() {
		f(stop)
		notifyStopped <- struct{}{}
	}()
}

// Stop cancels and waits for the task registered under key, if any.
func (m *Manager) Stop(key int) {
	m.mu.Lock()
	task, ok := m.tasks[key]
	if ok {
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	if ok {
		task.stopAndWait()
	}
}

// StopAll cancels and waits for every running task. Used on loop
// termination so no sub-sampler goroutine outlives the parent (spec §4.7
// "Termination... MUST resume the target").
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for key, task := range m.tasks {
		tasks = append(tasks, task)
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.stopAndWait()
	}
}

// Keys returns the set of currently-running task keys.
func (m *Manager) Keys() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]int, 0, len(m.tasks))
	for key := range m.tasks {
		keys = append(keys, key)
	}
	return keys
}

func (t *Task) stopAndWait() {
	t.stop <- struct{}{}
	<-t.notifyStopped
}
