package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfleet/worker/internal/coordinator"
	"github.com/snapfleet/worker/internal/objectstore"
	"github.com/snapfleet/worker/internal/queue"
	"github.com/snapfleet/worker/internal/record"
	"github.com/snapfleet/worker/internal/renderer"
)

// testWriter adapts testing.T into an io.Writer so logrus output lands
// in the test log rather than stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func newTestPool(t *testing.T, mockClock *clock.Mock) (*Pool, *queue.MemoryQueue, *renderer.FakeRenderer) {
	t.Helper()
	q := queue.NewMemoryQueue(mockClock, int64(30*time.Second), 3)
	store := record.NewMemoryStoreWithClock(mockClock)
	objects := objectstore.NewMemoryStore()
	fakeRenderer := renderer.NewFakeRenderer()

	logger := logrus.New()
	logger.SetOutput(testWriter{t})

	coord := &coordinator.Coordinator{
		Store:    store,
		Objects:  objects,
		Renderer: fakeRenderer,
		Clock:    mockClock,
		Logger:   logger,
		Config:   coordinator.Config{}.WithDefaults(),
	}

	p := &Pool{
		Queue:           q,
		Coordinator:     coord,
		Concurrency:     1,
		PollBackoff:     time.Millisecond,
		ShutdownTimeout: time.Minute,
		Clock:           mockClock,
		Logger:          logger,
	}
	return p, q, fakeRenderer
}

func body(requestID, url string) []byte {
	return []byte(`{"url":"` + url + `","requestId":"` + requestID + `"}`)
}

// TestPool_GracefulShutdownWaitsForInFlightHandler verifies that
// cancelling Run's context lets an in-flight Handle call finish
// (render + ack) rather than aborting it, per spec.md §4.6/§5.
func TestPool_GracefulShutdownWaitsForInFlightHandler(t *testing.T) {
	mockClock := clock.NewMock()
	p, q, fakeRenderer := newTestPool(t, mockClock)
	fakeRenderer.HoldRenders()
	q.Send(body("r1", "https://example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx) }()

	// Wait for the worker goroutine to receive the message and block
	// inside Render.
	waitUntil(t, func() bool { return fakeRenderer.StartedCount() == 0 }, 2*time.Second)

	cancel()

	select {
	case code := <-done:
		t.Fatalf("Run returned %d before the held render was released", code)
	case <-time.After(50 * time.Millisecond):
	}

	fakeRenderer.Release()

	select {
	case code := <-done:
		assert.Equal(t, 0, code, "a completed in-flight handler should drain cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the held render was released")
	}
	assert.Equal(t, 1, fakeRenderer.RenderCount())
}

// TestPool_ShutdownDeadlineForceCancelsHandler verifies that a handler
// still blocked once ShutdownTimeout elapses is force-cancelled and
// Run reports a non-clean exit.
func TestPool_ShutdownDeadlineForceCancelsHandler(t *testing.T) {
	mockClock := clock.NewMock()
	p, q, fakeRenderer := newTestPool(t, mockClock)
	p.ShutdownTimeout = 30 * time.Second
	fakeRenderer.HoldRenders()
	q.Send(body("r1", "https://example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx) }()

	waitUntil(t, func() bool { return fakeRenderer.StartedCount() == 0 }, 2*time.Second)

	cancel()
	// Give Run's shutdown goroutine time to reach the deadline select
	// before advancing the mock clock past it.
	time.Sleep(20 * time.Millisecond)
	mockClock.Add(31 * time.Second)

	select {
	case code := <-done:
		assert.Equal(t, 1, code, "an unreleased handler past the deadline should force a non-clean exit")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the shutdown deadline elapsed")
	}
}

func waitUntil(t *testing.T, stillWaiting func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for stillWaiting() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPool_AcksOnSuccessfulHandle(t *testing.T) {
	mockClock := clock.NewMock()
	p, q, _ := newTestPool(t, mockClock)
	store := p.Coordinator.Store.(*record.MemoryStore)
	q.Send(body("r1", "https://example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx) }()

	waitUntil(t, func() bool {
		rec, err := store.Get(context.Background(), "r1")
		return err != nil || rec.Status != record.StatusSuccess
	}, 2*time.Second)

	cancel()
	require.Equal(t, 0, <-done)

	// An acked message is gone; an unacked one would reappear once its
	// 30s visibility timeout has elapsed.
	mockClock.Add(31 * time.Second)
	msgs, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a successfully handled message must have been acked")
}
