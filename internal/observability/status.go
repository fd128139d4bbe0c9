package observability

import (
	"fmt"
	"sync"
	"time"
)

type Role string

const (
	RoleIdle    Role = "IDLE"
	RoleRunning Role = "RUNNING"
	RoleBuild   Role = "BUILD"
)

// Status is the live state shown on the dashboard.
type Status struct {
	mu            sync.RWMutex
	role          Role
	activeTask    string
	inFlight      int
	building      bool
	lastHeartbeat time.Time
}

func NewStatus() *Status {
	return &Status{role: RoleIdle, lastHeartbeat: time.Now()}
}

// StepStarted implements engine.Observer.
func (s *Status) StepStarted(instance, goalPath string, index int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	s.role = RoleRunning
	s.activeTask = fmt.Sprintf("%s #%d %s", goalPath, index, text)
}

// StepFinished implements engine.Observer.
func (s *Status) StepFinished(goalPath string, index int, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.inFlight == 0 && !s.building {
		s.role = RoleIdle
		s.activeTask = ""
	}
}

// GoalFinished implements engine.Observer.
func (s *Status) GoalFinished(goalPath, state string, elapsed time.Duration) {}

// SetBuilding marks a build of the named goal as running, or finished
// when goalPath is empty.
func (s *Status) SetBuilding(goalPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.building = goalPath != ""
	switch {
	case s.building:
		s.role = RoleBuild
		s.activeTask = goalPath
	case s.inFlight == 0:
		s.role = RoleIdle
		s.activeTask = ""
	default:
		s.role = RoleRunning
	}
}

// Get returns the role, the active task and the last heartbeat.
func (s *Status) Get() (Role, string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role, s.activeTask, s.lastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func (s *Status) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}
