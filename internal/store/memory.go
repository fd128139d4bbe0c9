package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rahul/goalscript/internal/goal"
)

// MemoryStore is an in-process store. It backs tests and one-shot runs
// that should not touch disk.
type MemoryStore struct {
	mu           sync.Mutex
	instructions map[string]*goal.Instruction
	cache        map[string]cached
	tasks        map[int64]Task
	nextTask     int64
	messages     map[string][]Message
}

type cached struct {
	value   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instructions: make(map[string]*goal.Instruction),
		cache:        make(map[string]cached),
		tasks:        make(map[int64]Task),
		messages:     make(map[string][]Message),
	}
}

func instructionKey(goalPath string, stepIndex int) string {
	return fmt.Sprintf("%s#%d", goalPath, stepIndex)
}

func (m *MemoryStore) LoadInstruction(ctx context.Context, goalPath string, stepIndex int) (*goal.Instruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instructions[instructionKey(goalPath, stepIndex)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) SaveInstruction(ctx context.Context, goalPath string, stepIndex int, in *goal.Instruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.instructions[instructionKey(goalPath, stepIndex)] = &cp
	return nil
}

func (m *MemoryStore) DeleteInstructions(ctx context.Context, goalPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := goalPath + "#"
	for k := range m.instructions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.instructions, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetResponse(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[key]
	if !ok || (!c.expires.IsZero() && time.Now().After(c.expires)) {
		return "", false, nil
	}
	return c.value, true, nil
}

func (m *MemoryStore) PutResponse(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cached{value: value}
	if ttl > 0 {
		c.expires = time.Now().Add(ttl)
	}
	m.cache[key] = c
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, conversation, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[conversation] = append(m.messages[conversation], Message{Role: role, Content: content})
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, conversation string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversation]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) AddTask(ctx context.Context, t Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTask++
	t.ID = m.nextTask
	t.Status = "active"
	m.tasks[t.ID] = t
	return t.ID, nil
}

func (m *MemoryStore) PendingTasks(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []Task
	for _, t := range m.sortedTasks() {
		if t.Status != "active" {
			continue
		}
		if t.LastRun.IsZero() || now.Sub(t.LastRun) >= time.Duration(t.IntervalSeconds)*time.Second {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateTaskLastRun(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.LastRun = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, owner string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.sortedTasks() {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, owner string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Owner != owner {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) ClearTasks(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.Owner == owner {
			delete(m.tasks, id)
		}
	}
	return nil
}

func (m *MemoryStore) sortedTasks() []Task {
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
