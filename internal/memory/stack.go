// Package memory implements the variable stack steps read from and write to.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrVariableNotFound is returned when a name or path does not resolve.
var ErrVariableNotFound = errors.New("variable not found")

var placeholder = regexp.MustCompile(`%([A-Za-z_!][A-Za-z0-9_.!\[\]\-]*)%`)

type entry struct {
	name  string
	value any
}

// Stack maps case-insensitive variable names to values. Reads fall through
// to the parent when a name is not set locally; writes never touch it.
type Stack struct {
	mu     sync.RWMutex
	vars   map[string]entry
	parent *Stack
}

// New creates a stack reading through to parent, which may be nil.
func New(parent *Stack) *Stack {
	return &Stack{vars: make(map[string]entry), parent: parent}
}

// Parent returns the read-through parent.
func (s *Stack) Parent() *Stack {
	return s.parent
}

// Name strips surrounding percent signs from a variable reference.
func Name(ref string) string {
	ref = strings.TrimSpace(ref)
	if len(ref) >= 2 && strings.HasPrefix(ref, "%") && strings.HasSuffix(ref, "%") {
		ref = ref[1 : len(ref)-1]
	}
	return ref
}

// Get resolves a name or a dotted path such as "user.emails[0]".
func (s *Stack) Get(ref string) (any, error) {
	segs, err := parsePath(Name(ref))
	if err != nil {
		return nil, err
	}
	root, ok := s.lookup(segs[0].key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariableNotFound, segs[0].key)
	}
	v := root
	for _, seg := range segs[1:] {
		v, err = step(v, seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, Name(ref))
		}
	}
	return v, nil
}

// Has reports whether the top-level name resolves, including the parent.
func (s *Stack) Has(name string) bool {
	_, ok := s.lookup(Name(name))
	return ok
}

// HasLocal reports whether name is set on this stack itself.
func (s *Stack) HasLocal(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vars[strings.ToLower(Name(name))]
	return ok
}

func (s *Stack) lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		e, ok := cur.vars[strings.ToLower(name)]
		cur.mu.RUnlock()
		if ok {
			return e.value, true
		}
	}
	return nil, false
}

// Put sets a variable. A dotted name writes into a nested map, creating
// intermediate maps as needed.
func (s *Stack) Put(ref string, value any) error {
	name := Name(ref)
	segs, err := parsePath(name)
	if err != nil {
		return err
	}
	if len(segs) == 1 {
		s.mu.Lock()
		s.vars[strings.ToLower(segs[0].key)] = entry{name: segs[0].key, value: value}
		s.mu.Unlock()
		return nil
	}

	rootName := segs[0].key
	root, ok := s.lookup(rootName)
	m, isMap := root.(map[string]any)
	if !ok || !isMap {
		m = make(map[string]any)
	} else {
		m = cloneMap(m)
	}
	cur := m
	for i, seg := range segs[1:] {
		if seg.index >= 0 {
			return fmt.Errorf("cannot assign through index in %q", name)
		}
		if i == len(segs)-2 {
			cur[seg.key] = value
			break
		}
		next, ok := cur[seg.key].(map[string]any)
		if !ok {
			next = make(map[string]any)
		} else {
			next = cloneMap(next)
		}
		cur[seg.key] = next
		cur = next
	}
	s.mu.Lock()
	s.vars[strings.ToLower(rootName)] = entry{name: rootName, value: m}
	s.mu.Unlock()
	return nil
}

// Delete removes a local variable. It reports whether it existed.
func (s *Stack) Delete(ref string) bool {
	key := strings.ToLower(Name(ref))
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vars[key]
	delete(s.vars, key)
	return ok
}

// Names returns the sorted names visible from this stack.
func (s *Stack) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every visible variable; local names shadow the parent's.
func (s *Stack) Snapshot() map[string]any {
	out := make(map[string]any)
	var chain []*Stack
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	seen := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		cur.mu.RLock()
		for key, e := range cur.vars {
			if prev, ok := seen[key]; ok {
				delete(out, prev)
			}
			seen[key] = e.name
			out[e.name] = e.value
		}
		cur.mu.RUnlock()
	}
	return out
}

// Clone copies the local variables into a new stack with the same parent.
func (s *Stack) Clone() *Stack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New(s.parent)
	for k, e := range s.vars {
		c.vars[k] = e
	}
	return c
}

// Substitute replaces %name% references in v. A string that is exactly
// one placeholder yields the raw value; embedded placeholders are
// rendered as text. Maps and slices are substituted element-wise.
func (s *Stack) Substitute(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return s.substituteString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			sv, err := s.Substitute(item)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			sv, err := s.Substitute(item)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	}
	return v, nil
}

func (s *Stack) substituteString(str string) (any, error) {
	trimmed := strings.TrimSpace(str)
	if loc := placeholder.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return s.Get(trimmed)
	}

	var firstErr error
	out := placeholder.ReplaceAllStringFunc(str, func(m string) string {
		v, err := s.Get(m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return Text(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Text renders a value for embedding in a string.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// References lists the variable names referenced in str.
func References(str string) []string {
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(str, -1) {
		out = append(out, m[1])
	}
	return out
}

type segment struct {
	key   string
	index int
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty name", ErrVariableNotFound)
	}
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("invalid variable path %q", path)
		}
		key := part
		var indexes []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("invalid variable path %q", path)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, fmt.Errorf("invalid variable path %q", path)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil {
					return nil, fmt.Errorf("invalid index in %q", path)
				}
				indexes = append(indexes, n)
				rest = rest[end+1:]
			}
		}
		if key != "" {
			segs = append(segs, segment{key: key, index: -1})
		} else if len(segs) == 0 {
			return nil, fmt.Errorf("invalid variable path %q", path)
		}
		for _, n := range indexes {
			segs = append(segs, segment{index: n})
		}
	}
	return segs, nil
}

func step(v any, seg segment) (any, error) {
	if v == nil {
		return nil, ErrVariableNotFound
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, ErrVariableNotFound
		}
		rv = rv.Elem()
	}

	if seg.index >= 0 {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.String:
			if seg.index >= rv.Len() {
				return nil, ErrVariableNotFound
			}
			if rv.Kind() == reflect.String {
				return string(rv.String()[seg.index]), nil
			}
			return rv.Index(seg.index).Interface(), nil
		}
		return nil, ErrVariableNotFound
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, ErrVariableNotFound
		}
		if val := rv.MapIndex(reflect.ValueOf(seg.key).Convert(rv.Type().Key())); val.IsValid() {
			return val.Interface(), nil
		}
		iter := rv.MapRange()
		for iter.Next() {
			if strings.EqualFold(iter.Key().String(), seg.key) {
				return iter.Value().Interface(), nil
			}
		}
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := strings.Split(f.Tag.Get("json"), ",")[0]
			if strings.EqualFold(f.Name, seg.key) || (tag != "" && strings.EqualFold(tag, seg.key)) {
				return rv.Field(i).Interface(), nil
			}
		}
	case reflect.Slice, reflect.Array:
		if strings.EqualFold(seg.key, "count") || strings.EqualFold(seg.key, "length") {
			return rv.Len(), nil
		}
	}
	return nil, ErrVariableNotFound
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
