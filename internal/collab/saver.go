package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"quillsync/api/internal/metrics"
	"quillsync/api/internal/store"
)

type saveTrigger string

const (
	triggerExplicit saveTrigger = "explicit"
	triggerPeriodic saveTrigger = "periodic"
	triggerClose    saveTrigger = "close"
)

type contentWriter interface {
	UpdateContent(ctx context.Context, documentID string, content json.RawMessage, modifierID string) error
}

// saver persists one session's snapshots off the relay path. It holds only the
// latest snapshot: a newer save replaces an older one that has not been
// written yet. Failed writes are retried on the next tick.
type saver struct {
	store      contentWriter
	documentID string
	userID     string
	interval   time.Duration
	timeout    time.Duration
	maxRetries int
	log        logrus.FieldLogger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending json.RawMessage
	dirty   bool
	stopped bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newSaver(w contentWriter, documentID, userID string, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *saver {
	return &saver{
		store:      w,
		documentID: documentID,
		userID:     userID,
		interval:   opts.SaveInterval,
		timeout:    opts.SaveTimeout,
		maxRetries: opts.SaveMaxRetries,
		log:        log,
		metrics:    m,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (sv *saver) start() {
	ctx, cancel := context.WithCancel(context.Background())
	sv.cancel = cancel
	go sv.run(ctx)
}

func (sv *saver) run(ctx context.Context) {
	defer close(sv.done)

	var tick <-chan time.Time
	if sv.interval > 0 {
		ticker := time.NewTicker(sv.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			sv.flush(triggerClose)
			return
		case <-sv.kick:
			sv.flush(triggerExplicit)
		case <-tick:
			sv.flush(triggerPeriodic)
		}
	}
}

// submit records snapshot as the content to persist and wakes the saver.
func (sv *saver) submit(snapshot json.RawMessage) {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.pending = snapshot
	sv.dirty = true
	sv.mu.Unlock()

	select {
	case sv.kick <- struct{}{}:
	default:
	}
}

// stop cancels the loop, waits for its final flush and guarantees no write
// happens afterwards.
func (sv *saver) stop() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	sv.mu.Unlock()

	if sv.cancel != nil {
		sv.cancel()
		<-sv.done
	}
}

func (sv *saver) flush(trigger saveTrigger) {
	sv.mu.Lock()
	if !sv.dirty {
		sv.mu.Unlock()
		return
	}
	content := sv.pending
	sv.dirty = false
	sv.mu.Unlock()

	start := time.Now()
	err := sv.persist(content)
	sv.metrics.SaveLatency.Observe(time.Since(start).Seconds())

	log := sv.log.WithFields(logrus.Fields{
		"action":      "save_document",
		"document_id": sv.documentID,
		"trigger":     string(trigger),
	})

	switch {
	case err == nil:
		sv.metrics.Saves.WithLabelValues(string(trigger), "success").Inc()
		log.Debug("document saved")
	case errors.Is(err, store.ErrNotFound):
		// Deleted underneath us; nothing left to retry.
		sv.metrics.Saves.WithLabelValues(string(trigger), "not_found").Inc()
		log.Warn("document no longer exists, dropping snapshot")
	default:
		sv.metrics.Saves.WithLabelValues(string(trigger), "error").Inc()
		log.WithError(err).Error("save failed, will retry")
		sv.mu.Lock()
		if !sv.dirty {
			sv.pending = content
			sv.dirty = true
		}
		sv.mu.Unlock()
	}
}

func (sv *saver) persist(content json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), sv.timeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = time.Second
	exp.MaxElapsedTime = sv.timeout

	var policy backoff.BackOff = exp
	if sv.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(exp, uint64(sv.maxRetries))
	}

	err := backoff.Retry(func() error {
		err := sv.store.UpdateContent(ctx, sv.documentID, content, sv.userID)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return err
}
