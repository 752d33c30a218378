package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfleet/worker/internal/objectstore"
	"github.com/snapfleet/worker/internal/record"
	"github.com/snapfleet/worker/internal/renderer"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.Mock, *record.MemoryStore, *objectstore.MemoryStore, *renderer.FakeRenderer) {
	t.Helper()
	mockClock := clock.NewMock()
	store := record.NewMemoryStoreWithClock(mockClock)
	objects := objectstore.NewMemoryStore()
	fakeRenderer := renderer.NewFakeRenderer()

	logger := logrus.New()
	logger.SetOutput(testWriter{t})

	c := &Coordinator{
		Store:    store,
		Objects:  objects,
		Renderer: fakeRenderer,
		Clock:    mockClock,
		Logger:   logger,
		Config:   Config{}.WithDefaults(),
	}
	return c, mockClock, store, objects, fakeRenderer
}

// testWriter adapts testing.T into an io.Writer so logrus output
// lands in the test log rather than stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func body(t *testing.T, requestID, url string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"url":       url,
		"requestId": requestID,
	})
	require.NoError(t, err)
	return b
}

func TestHandle_FirstDeliverySucceeds(t *testing.T) {
	c, _, store, objects, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()

	disposition, err := c.Handle(ctx, body(t, "r1", "example.com"))
	require.NoError(t, err)
	assert.Equal(t, Ack, disposition)
	assert.Equal(t, 1, fakeRenderer.RenderCount())
	assert.Equal(t, 1, objects.PutCount())

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.NotEmpty(t, rec.ObjectURL)
	assert.NotEmpty(t, rec.ObjectKey)
}

func TestHandle_IdempotentRedeliveryAfterSuccessIsAckedWithoutRerender(t *testing.T) {
	c, _, _, objects, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()
	msg := body(t, "r1", "example.com")

	disposition, err := c.Handle(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, Ack, disposition)
	require.Equal(t, 1, fakeRenderer.RenderCount())

	disposition, err = c.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack, disposition)
	assert.Equal(t, 1, fakeRenderer.RenderCount(), "redelivery after success must not re-render")
	assert.Equal(t, 1, objects.PutCount(), "redelivery after success must not re-upload")
}

func TestHandle_ConcurrentDuplicateDeliveryRendersAtMostOncePerLiveOwner(t *testing.T) {
	c, _, store, _, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()
	msg := body(t, "r1", "example.com")

	fakeRenderer.HoldRenders()

	var wg sync.WaitGroup
	results := make([]Disposition, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Handle(ctx, msg)
		}()
	}

	// Give both goroutines a chance to pass step 2/3 and enter the
	// held render before releasing them.
	time.Sleep(50 * time.Millisecond)

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusConsumerProcessing, rec.Status)

	fakeRenderer.Release()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, Ack, results[0])
	assert.Equal(t, Ack, results[1])
	renders := fakeRenderer.RenderCount()
	assert.True(t, renders >= 1 && renders <= 2, "each of the two deliveries renders at most once, got %d renders", renders)
}

func TestHandle_LiveConsumerProcessingRecordIsAckedAsRedundant(t *testing.T) {
	c, mockClock, store, _, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()

	now := mockClock.Now().UTC()
	require.NoError(t, store.Create(ctx, record.Record{
		ID:        "r1",
		URL:       "https://example.com",
		Status:    record.StatusConsumerProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}, true))

	disposition, err := c.Handle(ctx, body(t, "r1", "example.com"))
	require.NoError(t, err)
	assert.Equal(t, Ack, disposition)
	assert.Equal(t, 0, fakeRenderer.RenderCount(), "must not render while another worker plausibly owns the record")
}

func TestHandle_StaleConsumerProcessingRecordIsTakenOver(t *testing.T) {
	c, mockClock, store, _, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()

	now := mockClock.Now().UTC()
	require.NoError(t, store.Create(ctx, record.Record{
		ID:        "r1",
		URL:       "https://example.com",
		Status:    record.StatusConsumerProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}, true))

	mockClock.Add(c.Config.TStale + time.Minute)

	disposition, err := c.Handle(ctx, body(t, "r1", "example.com"))
	require.NoError(t, err)
	assert.Equal(t, Ack, disposition)
	assert.Equal(t, 1, fakeRenderer.RenderCount(), "a stale owner must be taken over and rendered")

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
}

func TestHandle_RenderFailureRecordsFailedStatusAndNacks(t *testing.T) {
	c, _, store, objects, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()

	fakeRenderer.FailNextWith(errors.New("navigation timed out"))

	disposition, err := c.Handle(ctx, body(t, "r1", "example.com"))
	require.Error(t, err)
	assert.Equal(t, Nack, disposition)
	assert.Equal(t, 0, objects.PutCount())

	rec, getErr := store.Get(ctx, "r1")
	require.NoError(t, getErr)
	assert.Equal(t, record.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "navigation timed out")
}

func TestHandle_FailedRecordIsRetriedOnRedelivery(t *testing.T) {
	c, _, store, _, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()
	msg := body(t, "r1", "example.com")

	fakeRenderer.FailNextWith(errors.New("boom"))
	disposition, err := c.Handle(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, Nack, disposition)

	fakeRenderer.FailNextWith(nil)
	disposition, err = c.Handle(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack, disposition)

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
}

func TestHandle_MalformedMessageNacksWithoutTouchingStore(t *testing.T) {
	c, _, store, _, fakeRenderer := newTestCoordinator(t)
	ctx := context.Background()

	disposition, err := c.Handle(ctx, []byte(`{"url":"example.com"}`))
	require.Error(t, err)
	assert.Equal(t, Nack, disposition)
	assert.Equal(t, 0, fakeRenderer.RenderCount())

	created, queryErr := store.QueryByStatus(ctx, record.StatusProcessing, 0)
	require.NoError(t, queryErr)
	assert.Empty(t, created, "a malformed message must not create a record")

	var malformed *MalformedError
	assert.ErrorAs(t, err, &malformed)
}

func TestHandle_DefaultsAreAppliedWhenOmitted(t *testing.T) {
	c, _, store, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	disposition, err := c.Handle(ctx, body(t, "r1", "example.com"))
	require.NoError(t, err)
	require.Equal(t, Ack, disposition)

	rec, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, c.Config.DefaultWidth, rec.Width)
	assert.Equal(t, c.Config.DefaultHeight, rec.Height)
	assert.Equal(t, c.Config.DefaultFormat, rec.Format)
}
