// Package store persists built instructions, cached oracle responses,
// scheduled tasks and conversation history.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/rahul/goalscript/internal/goal"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// InstructionStore persists instructions keyed by (goal path, step index).
type InstructionStore interface {
	LoadInstruction(ctx context.Context, goalPath string, stepIndex int) (*goal.Instruction, error)
	SaveInstruction(ctx context.Context, goalPath string, stepIndex int, in *goal.Instruction) error
	DeleteInstructions(ctx context.Context, goalPath string) error
}

// ResponseCache caches oracle responses by request digest.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (string, bool, error)
	PutResponse(ctx context.Context, key, value string, ttl time.Duration) error
}

// Task is a scheduled goal run.
type Task struct {
	ID              int64
	Owner           string
	GoalName        string
	Parameters      map[string]any
	IntervalSeconds int
	LastRun         time.Time
	Status          string
}

// OneTime reports whether the task is removed after its first run.
func (t Task) OneTime() bool {
	return t.IntervalSeconds == 0
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	AddTask(ctx context.Context, t Task) (int64, error)
	PendingTasks(ctx context.Context) ([]Task, error)
	UpdateTaskLastRun(ctx context.Context, id int64) error
	ListTasks(ctx context.Context, owner string) ([]Task, error)
	DeleteTask(ctx context.Context, owner string, id int64) error
	ClearTasks(ctx context.Context, owner string) error
}

// Message is one entry of a stored conversation.
type Message struct {
	Role    string
	Content string
}

// HistoryStore keeps conversation history for the llm module.
type HistoryStore interface {
	AddMessage(ctx context.Context, conversation, role, content string) error
	GetHistory(ctx context.Context, conversation string, limit int) ([]Message, error)
}

// CacheKey digests the parts of an oracle request with xxhash.
func CacheKey(parts ...string) string {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
