package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrPoolClosed is returned by Rent after Close.
var ErrPoolClosed = errors.New("engine pool is closed")

// Pool keeps reusable instances per app root. A rented instance is owned
// by exactly one caller until it is returned.
type Pool struct {
	mu     sync.Mutex
	create func(root string) (*Instance, error)
	idle   map[string][]*Instance
	rented map[*Instance]string // instance -> root key it was rented under
	closed bool
}

// NewPool creates a pool that builds new instances with create.
func NewPool(create func(root string) (*Instance, error)) *Pool {
	return &Pool{
		create: create,
		idle:   make(map[string][]*Instance),
		rented: make(map[*Instance]string),
	}
}

// rootKey normalises an app root so relative and absolute spellings of
// one directory share idle instances and cached apps.
func rootKey(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}

// Rent hands out an idle instance for root or creates one. Every rental
// carries a fresh correlation label.
func (p *Pool) Rent(ctx context.Context, root string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root = rootKey(root)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if list := p.idle[root]; len(list) > 0 {
		inst := list[len(list)-1]
		p.idle[root] = list[:len(list)-1]
		p.rented[inst] = root
		p.mu.Unlock()
		inst.label = uuid.NewString()
		return inst, nil
	}
	p.mu.Unlock()

	inst, err := p.create(root)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.rented[inst] = root
	inst.label = uuid.NewString()
	return inst, nil
}

// Return releases a rented instance. Returning an instance twice is a
// no-op.
func (p *Pool) Return(inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	root, ok := p.rented[inst]
	if !ok {
		return
	}
	delete(p.rented, inst)
	inst.reset()
	if !p.closed {
		p.idle[root] = append(p.idle[root], inst)
	}
}

// With rents an instance for root, runs fn and returns the instance on
// every exit path.
func (p *Pool) With(ctx context.Context, root string, fn func(*Instance) error) error {
	inst, err := p.Rent(ctx, root)
	if err != nil {
		return err
	}
	defer p.Return(inst)
	return fn(inst)
}

// Stats reports idle and rented instance counts.
func (p *Pool) Stats() (idle, rented int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.idle {
		idle += len(list)
	}
	return idle, len(p.rented)
}

// Close drops idle instances and refuses further rentals.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.idle = make(map[string][]*Instance)
}
