// Package coordinator implements the Request Lifecycle Coordinator
// (spec.md §4.5) — the per-message state machine that ties the
// Record Store, Object Store, and Renderer together while tolerating
// duplicate deliveries, crashed peers, and partial failures.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/snapfleet/worker/internal/metrics"
	"github.com/snapfleet/worker/internal/objectstore"
	"github.com/snapfleet/worker/internal/record"
	"github.com/snapfleet/worker/internal/renderer"
)

// Disposition is what the caller (the worker runtime) should do with
// the queue message once Handle returns.
type Disposition int

const (
	// Ack means the message is fully handled and should be deleted.
	Ack Disposition = iota
	// Nack means the message should be left for redelivery (or DLQ
	// once the queue's own redrive policy catches it).
	Nack
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "nack"
}

// defaultTStale is the staleness window of spec.md §4.5: a
// consumerProcessing record older than this is presumed to belong to
// a dead worker and may be taken over.
const defaultTStale = 10 * time.Minute

// recordStoreRetryBackoff implements the RecordStoreTransient
// disposition of spec.md §7: retry in place up to 3 times with
// backoff 1s/2s/4s before giving up and returning Nack.
var recordStoreRetryBackoff = []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}

// Config carries the defaults the coordinator fills in for a message
// that omits optional fields, plus the staleness window.
type Config struct {
	TStale          time.Duration
	DefaultWidth    int
	DefaultHeight   int
	DefaultFormat   record.Format
	DefaultQuality  int
	DefaultFullPage bool
	RenderTimeout   time.Duration
}

// WithDefaults fills in zero-valued fields with the spec's defaults.
func (c Config) WithDefaults() Config {
	if c.TStale == 0 {
		c.TStale = defaultTStale
	}
	if c.DefaultWidth == 0 {
		c.DefaultWidth = 1920
	}
	if c.DefaultHeight == 0 {
		c.DefaultHeight = 1080
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = record.FormatPNG
	}
	if c.DefaultQuality == 0 {
		c.DefaultQuality = 80
	}
	if c.RenderTimeout == 0 {
		c.RenderTimeout = 30 * time.Second
	}
	return c
}

// Coordinator binds the Record Store (A), Object Store (B), and
// Renderer (C) into the state machine of spec.md §4.5.
type Coordinator struct {
	Store    record.Store
	Objects  objectstore.Store
	Renderer renderer.Renderer
	Clock    clock.Clock
	Logger   *logrus.Logger
	Config   Config
}

// New builds a Coordinator with defaulted config and a real wall
// clock; tests construct a Coordinator literal directly so they can
// inject a *clock.Mock.
func New(store record.Store, objects objectstore.Store, r renderer.Renderer, logger *logrus.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		Store:    store,
		Objects:  objects,
		Renderer: r,
		Clock:    clock.New(),
		Logger:   logger,
		Config:   cfg.WithDefaults(),
	}
}

// inboundMessage is the loosely-typed shape of spec.md §6's inbound
// queue message. Decoding goes through an intermediate
// map[string]interface{} and mapstructure, not direct json.Unmarshal
// into this struct, so that unknown fields are silently ignored and
// the optional int/bool fields can be distinguished from "absent".
type inboundMessage struct {
	URL       string  `mapstructure:"url"`
	RequestID string  `mapstructure:"requestId"`
	Width     *int    `mapstructure:"width"`
	Height    *int    `mapstructure:"height"`
	Format    *string `mapstructure:"format"`
	Quality   *int    `mapstructure:"quality"`
	FullPage  *bool   `mapstructure:"fullPage"`
}

// Handle processes a single queue message delivery end to end,
// implementing steps 1-6 of spec.md §4.5. It never returns an error
// alongside Ack; a non-nil error always accompanies Nack and
// describes why the message was left for redelivery.
func (c *Coordinator) Handle(ctx context.Context, body []byte) (Disposition, error) {
	msg, err := parseInbound(body)
	if err != nil {
		c.Logger.WithError(err).Warn("malformed message")
		return Nack, err
	}
	log := c.Logger.WithField("requestId", msg.RequestID)

	url := renderer.NormalizeURL(msg.URL)
	width, height, format, quality, fullPage := c.fillDefaults(msg)

	rec, disposition, err := c.resolveRecord(ctx, log, msg.RequestID, url, width, height, format, quality, fullPage)
	if err != nil {
		return Nack, err
	}
	if disposition != nil {
		return *disposition, nil
	}

	// Step 3 — claim. Unconditional: a stale-owner takeover must be
	// able to overwrite another worker's consumerProcessing record,
	// and this call is also what refreshes updatedAt so staleness is
	// measured from the new owner.
	claimWidth, claimHeight, claimFormat := width, height, format
	err = c.withRecordStoreRetry(ctx, func() error {
		return c.Store.UpdateStatus(ctx, msg.RequestID, record.StatusConsumerProcessing, record.StatusPatch{
			Width:  &claimWidth,
			Height: &claimHeight,
			Format: &claimFormat,
		})
	})
	if err != nil {
		log.WithError(err).Error("claim failed")
		return Nack, fmt.Errorf("claim record: %w", err)
	}

	// Step 4 — render.
	renderOpts := renderer.Options{
		URL:      url,
		Width:    claimWidth,
		Height:   claimHeight,
		Format:   string(claimFormat),
		Quality:  quality,
		FullPage: fullPage,
		Timeout:  c.Config.RenderTimeout,
	}
	renderStart := c.Clock.Now()
	imageBytes, err := c.Renderer.Render(ctx, renderOpts)
	metrics.ObserveRender(renderStart)
	if err != nil {
		return c.fail(ctx, log, msg.RequestID, &RenderError{Cause: err})
	}

	// Step 5 — upload & finalize.
	key := objectstore.DeriveKey(url, msg.RequestID, string(claimFormat), c.Clock.Now())
	objectURL, err := c.Objects.Put(ctx, key, imageBytes, objectstore.ContentType(string(claimFormat)))
	if err != nil {
		return c.fail(ctx, log, msg.RequestID, &UploadError{Cause: err})
	}
	err = c.withRecordStoreRetry(ctx, func() error {
		return c.Store.UpdateStatus(ctx, msg.RequestID, record.StatusSuccess, record.StatusPatch{
			ObjectURL: &objectURL,
			ObjectKey: &key,
		})
	})
	if err != nil {
		log.WithError(err).Error("finalize success failed")
		return Nack, fmt.Errorf("finalize success: %w", err)
	}
	log.Info("render succeeded")
	metrics.MessagesHandled.WithLabelValues("ack", "success").Inc()
	return Ack, nil
}

// resolveRecord implements step 2 of spec.md §4.5. It returns either
// a record to proceed claiming (disposition == nil), or a terminal
// disposition (Ack) with no error, for the skip/idempotent-redelivery
// cases (b) and (c).
func (c *Coordinator) resolveRecord(
	ctx context.Context,
	log *logrus.Entry,
	requestID, url string,
	width, height int,
	format record.Format,
	quality int,
	fullPage bool,
) (record.Record, *Disposition, error) {
	var rec record.Record
	err := c.withRecordStoreRetry(ctx, func() error {
		var getErr error
		rec, getErr = c.Store.Get(ctx, requestID)
		return getErr
	})

	var notFound record.ErrNotFound
	switch {
	case errors.As(err, &notFound):
		// (a) Absent: anomalous, but tolerated — create it and
		// proceed. If another worker raced us, AlreadyExists is
		// swallowed and we proceed with the record it created.
		now := c.Clock.Now().UTC()
		rec = record.Record{
			ID:        requestID,
			URL:       url,
			Status:    record.StatusProcessing,
			Width:     width,
			Height:    height,
			Format:    format,
			Quality:   quality,
			FullPage:  fullPage,
			CreatedAt: now,
			UpdatedAt: now,
		}
		createErr := c.Store.Create(ctx, rec, true)
		var alreadyExists record.ErrAlreadyExists
		switch {
		case createErr == nil:
			return rec, nil, nil
		case errors.As(createErr, &alreadyExists):
			var getErr error
			rec, getErr = c.Store.Get(ctx, requestID)
			if getErr != nil {
				return record.Record{}, nil, fmt.Errorf("re-read after AlreadyExists: %w", getErr)
			}
			return c.dispositionFor(log, rec)
		default:
			return record.Record{}, nil, fmt.Errorf("create record: %w", createErr)
		}
	case err != nil:
		return record.Record{}, nil, fmt.Errorf("get record: %w", err)
	}

	return c.dispositionFor(log, rec)
}

// dispositionFor applies cases (b)-(f) of step 2 to an existing
// record.
func (c *Coordinator) dispositionFor(log *logrus.Entry, rec record.Record) (record.Record, *Disposition, error) {
	ack := Ack
	switch rec.Status {
	case record.StatusSuccess:
		// (b) Idempotent re-delivery.
		log.Info("already succeeded, acking")
		metrics.MessagesHandled.WithLabelValues("ack", "already_succeeded").Inc()
		return rec, &ack, nil
	case record.StatusConsumerProcessing:
		if c.Clock.Now().UTC().Sub(rec.UpdatedAt) <= c.Config.TStale {
			// (c) Another live worker owns it.
			log.Info("owned by a live worker, acking as redundant")
			metrics.MessagesHandled.WithLabelValues("ack", "redundant").Inc()
			return rec, &ack, nil
		}
		// (d) Stale: presumed-dead owner, take over.
		log.Warn("stale consumerProcessing record, taking over")
		metrics.StaleTakeovers.Inc()
		return rec, nil, nil
	case record.StatusFailed, record.StatusProcessing:
		// (e)/(f): retriable or first delivery.
		return rec, nil, nil
	default:
		return record.Record{}, nil, fmt.Errorf("record %s has unknown status %q", rec.ID, rec.Status)
	}
}

// fail implements step 6 of spec.md §4.5: best-effort write of a
// failed record, then Nack regardless of whether that write
// succeeded.
func (c *Coordinator) fail(ctx context.Context, log *logrus.Entry, requestID string, cause error) (Disposition, error) {
	log.WithError(cause).Warn("handling failed, recording failure")
	msg := cause.Error()
	updateErr := c.withRecordStoreRetry(ctx, func() error {
		return c.Store.UpdateStatus(ctx, requestID, record.StatusFailed, record.StatusPatch{
			ErrorMessage: &msg,
		})
	})
	if updateErr != nil {
		// A secondary failure here is logged but must not mask the
		// primary error returned to the caller.
		log.WithError(updateErr).Error("failed to record failure status")
	}
	metrics.MessagesHandled.WithLabelValues("nack", "failed").Inc()
	return Nack, cause
}

// withRecordStoreRetry retries fn on ErrThrottled using the bounded
// backoff of spec.md §7, returning the final error (which may still
// be ErrThrottled) if every attempt is exhausted.
func (c *Coordinator) withRecordStoreRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for _, wait := range recordStoreRetryBackoff {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.Clock.Sleep(wait)
		}
		err := fn()
		if err == nil {
			return nil
		}
		var throttled record.ErrThrottled
		if !errors.As(err, &throttled) {
			return err
		}
		metrics.RecordStoreThrottles.Inc()
		lastErr = err
	}
	return lastErr
}

func (c *Coordinator) fillDefaults(msg inboundMessage) (width, height int, format record.Format, quality int, fullPage bool) {
	width, height = c.Config.DefaultWidth, c.Config.DefaultHeight
	format = c.Config.DefaultFormat
	quality = c.Config.DefaultQuality
	fullPage = c.Config.DefaultFullPage

	if msg.Width != nil {
		width = *msg.Width
	}
	if msg.Height != nil {
		height = *msg.Height
	}
	if msg.Format != nil {
		format = record.Format(*msg.Format)
	}
	if msg.Quality != nil {
		quality = *msg.Quality
	}
	if msg.FullPage != nil {
		fullPage = *msg.FullPage
	}
	return
}

func parseInbound(body []byte) (inboundMessage, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return inboundMessage{}, &MalformedError{Reason: "invalid JSON: " + err.Error()}
	}

	var msg inboundMessage
	if err := mapstructure.Decode(raw, &msg); err != nil {
		return inboundMessage{}, &MalformedError{Reason: "field decode: " + err.Error()}
	}

	if msg.URL == "" {
		return inboundMessage{}, &MalformedError{Reason: "missing url"}
	}
	if msg.RequestID == "" {
		return inboundMessage{}, &MalformedError{Reason: "missing requestId"}
	}
	return msg, nil
}
