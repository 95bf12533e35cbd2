package provider

import (
	"context"
	"sync"
)

// Script drives a Fake invocation. call counts from 1.
type Script func(ctx context.Context, call int, prompt string, opts Options, progress chan<- Progress) (*Result, error)

// Fake is a scripted in-process provider used by tests and local dry runs.
type Fake struct {
	id     string
	script Script

	mu          sync.Mutex
	connErr     error
	unavailable string
	noInput     bool
	prompts     []string
	options     []Options
}

// NewFake creates a Fake. A nil script succeeds immediately with output "done".
func NewFake(id string, script Script) *Fake {
	return &Fake{id: id, script: script}
}

// ID implements Provider.
func (f *Fake) ID() string { return f.id }

// SetConnectionError makes TestConnection fail with err.
func (f *Fake) SetConnectionError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connErr = err
}

// SetUnavailable makes GetInfo report the provider unavailable.
func (f *Fake) SetUnavailable(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = reason
}

// SetAcceptsInput controls whether the Fake reports taking interaction
// responses. It does by default.
func (f *Fake) SetAcceptsInput(accepts bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noInput = !accepts
}

// AcceptsInput implements Provider.
func (f *Fake) AcceptsInput() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noInput
}

// TestConnection implements Provider.
func (f *Fake) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connErr
}

// GetInfo implements Provider.
func (f *Fake) GetInfo(context.Context) Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Info{ID: f.id, Type: "fake", Available: f.unavailable == "", Reason: f.unavailable}
}

// Execute implements Provider.
func (f *Fake) Execute(ctx context.Context, prompt string, opts Options, progress chan<- Progress) (*Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.options = append(f.options, opts)
	call := len(f.prompts)
	f.mu.Unlock()

	if f.script == nil {
		return &Result{Success: true, Output: "done"}, nil
	}
	return f.script(ctx, call, prompt, opts, progress)
}

// Calls returns how many times Execute ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns the prompts passed to Execute in order.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Options returns the options passed to Execute in order.
func (f *Fake) Options() []Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Options(nil), f.options...)
}

var _ Provider = (*Fake)(nil)
