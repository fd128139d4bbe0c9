package observability

import "time"

// RunObserver has the method set of engine.Observer.
type RunObserver interface {
	StepStarted(instance, goalPath string, index int, text string)
	StepFinished(goalPath string, index int, elapsed time.Duration, err error)
	GoalFinished(goalPath, state string, elapsed time.Duration)
}

// Fanout forwards engine notifications to every observer in order.
type Fanout []RunObserver

func (f Fanout) StepStarted(instance, goalPath string, index int, text string) {
	for _, o := range f {
		o.StepStarted(instance, goalPath, index, text)
	}
}

func (f Fanout) StepFinished(goalPath string, index int, elapsed time.Duration, err error) {
	for _, o := range f {
		o.StepFinished(goalPath, index, elapsed, err)
	}
}

func (f Fanout) GoalFinished(goalPath, state string, elapsed time.Duration) {
	for _, o := range f {
		o.GoalFinished(goalPath, state, elapsed)
	}
}
