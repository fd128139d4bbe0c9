package goal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rahul/goalscript/internal/errs"
)

// Table is the flat goal table of one app. Steps point into it by index.
type Table struct {
	goals  []*Goal
	byName map[string]int
	byPath map[string]int
}

// NewTable indexes goals and assigns every step its GoalIndex.
func NewTable(goals ...*Goal) (*Table, error) {
	t := &Table{
		byName: make(map[string]int),
		byPath: make(map[string]int),
	}
	for _, g := range goals {
		if err := t.Add(g); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add appends g to the table.
func (t *Table) Add(g *Goal) error {
	nameKey := strings.ToLower(g.Name)
	pathKey := strings.ToLower(g.Path)
	if _, exists := t.byPath[pathKey]; exists {
		return fmt.Errorf("goal %s defined twice", g.Path)
	}

	idx := len(t.goals)
	t.goals = append(t.goals, g)
	t.byPath[pathKey] = idx
	if _, exists := t.byName[nameKey]; !exists {
		t.byName[nameKey] = idx
	}
	for i, s := range g.Steps {
		s.GoalIndex = idx
		s.Index = i
	}
	return nil
}

// At returns the goal at index i.
func (t *Table) At(i int) *Goal {
	if i < 0 || i >= len(t.goals) {
		return nil
	}
	return t.goals[i]
}

// GoalOf returns the goal that owns s.
func (t *Table) GoalOf(s *Step) *Goal {
	return t.At(s.GoalIndex)
}

// Provenance returns the step-level provenance of s.
func (t *Table) Provenance(s *Step) errs.Provenance {
	p := errs.Provenance{StepIndex: s.Index, StepText: s.Text}
	if g := t.GoalOf(s); g != nil {
		p.GoalName = g.Name
		p.GoalPath = g.Path
	}
	return p
}

// Find resolves a goal by path ("/dir/Name") or by bare name. Lookups are
// case-insensitive and tolerate a leading "/" or a ".goal" suffix.
func (t *Table) Find(ref string) (*Goal, bool) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimSuffix(ref, ".goal")
	key := strings.ToLower(ref)
	if idx, ok := t.byPath[key]; ok {
		return t.goals[idx], true
	}
	if idx, ok := t.byPath["/"+strings.TrimPrefix(key, "/")]; ok {
		return t.goals[idx], true
	}
	if idx, ok := t.byName[strings.TrimPrefix(key, "/")]; ok {
		return t.goals[idx], true
	}
	return nil, false
}

// Goals returns goals in insertion order.
func (t *Table) Goals() []*Goal {
	out := make([]*Goal, len(t.goals))
	copy(out, t.goals)
	return out
}

// Names returns the sorted goal names.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.goals))
	for _, g := range t.goals {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of goals.
func (t *Table) Len() int {
	return len(t.goals)
}
