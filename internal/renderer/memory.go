package renderer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FakeRenderer is a test double standing in for a real browser
// engine. It returns a deterministic payload per URL (so duplicate
// renders of the same URL are byte-identical, which is stronger than
// the contract requires but keeps P1/P5 assertions simple) and can be
// configured to fail, or to block until released, to exercise the
// coordinator's concurrency paths.
type FakeRenderer struct {
	mu        sync.Mutex
	failWith  error
	renders   int32
	started   int32
	release   chan struct{}
	holdUntil bool
}

// NewFakeRenderer creates a FakeRenderer that succeeds immediately.
func NewFakeRenderer() *FakeRenderer {
	return &FakeRenderer{}
}

// FailNextWith makes every subsequent Render call return err.
func (f *FakeRenderer) FailNextWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

// HoldRenders makes Render block until Release is called; used to
// force two concurrent Handle calls to race past step 2 before either
// completes step 5 (the hazard analysis of spec.md §4.5).
func (f *FakeRenderer) HoldRenders() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdUntil = true
	f.release = make(chan struct{})
}

// Release unblocks any renders waiting on HoldRenders.
func (f *FakeRenderer) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.release != nil {
		close(f.release)
	}
}

func (f *FakeRenderer) Render(ctx context.Context, opts Options) ([]byte, error) {
	atomic.AddInt32(&f.started, 1)

	f.mu.Lock()
	release := f.release
	hold := f.holdUntil
	err := f.failWith
	f.mu.Unlock()

	if hold && release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	atomic.AddInt32(&f.renders, 1)
	if err != nil {
		return nil, &RenderError{URL: opts.URL, Cause: err}
	}
	return []byte(fmt.Sprintf("fake-render:%s:%s", opts.URL, opts.Format)), nil
}

// RenderCount returns how many Render calls got past any hold and
// returned a payload or the configured error — used to assert bounded
// double-work (P4). Calls aborted by context cancellation while held
// are not counted.
func (f *FakeRenderer) RenderCount() int {
	return int(atomic.LoadInt32(&f.renders))
}

// StartedCount returns how many times Render has been entered,
// including calls currently blocked on HoldRenders — used by tests
// that need to observe a render is in flight before it completes.
func (f *FakeRenderer) StartedCount() int {
	return int(atomic.LoadInt32(&f.started))
}

func (f *FakeRenderer) Close(_ context.Context) error {
	return nil
}
