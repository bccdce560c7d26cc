package service

import (
	"fmt"
	"sync"
)

// State is the serving lifecycle of the process.
type State int32

const (
	StateUninitialized State = iota
	StateLoaded
	StateServing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateServing:
		return "serving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Lifecycle guards the Uninitialized -> Loaded -> Serving transitions. A
// model is loaded at most once; a failed load leaves the state unchanged.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
	model *Model
	load  func(dir string, opts LoadOptions) (*Model, error)
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{load: LoadModel}
}

// Load deserializes the artifact in dir and moves to Loaded.
func (l *Lifecycle) Load(dir string, opts LoadOptions) (*Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUninitialized {
		return nil, ErrAlreadyLoaded
	}
	model, err := l.load(dir, opts)
	if err != nil {
		return nil, err
	}
	l.model = model
	l.state = StateLoaded
	return model, nil
}

// Serve moves a loaded model to Serving.
func (l *Lifecycle) Serve() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateLoaded:
		l.state = StateServing
		return nil
	case StateServing:
		return nil
	default:
		return fmt.Errorf("%w: cannot serve from state %s", ErrNotReady, l.state)
	}
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Loaded returns the model once loading succeeded, whether or not it is
// serving yet.
func (l *Lifecycle) Loaded() (*Model, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.model == nil {
		return nil, ErrNotReady
	}
	return l.model, nil
}

// Serving returns the model only in the Serving state.
func (l *Lifecycle) Serving() (*Model, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateServing {
		return nil, ErrNotReady
	}
	return l.model, nil
}

// Close releases the model. The lifecycle does not return to Uninitialized.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == nil {
		return nil
	}
	return l.model.Close()
}
