// Package resume replays inbox traffic missed while the engine was offline.
// The checkpoint is the delivery timestamp of the newest item known to be
// fully processed; replay starts one overlap window before it so items that
// raced the previous shutdown are seen again rather than lost. The whole
// inbound path is idempotent, so the overlap only costs a few no-op applies.
package resume

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/queue"
)

// DefaultOverlap is how far before the checkpoint replay begins.
const DefaultOverlap = 60 * time.Second

var (
	replayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailchat_resume_replayed_total",
		Help: "Inbox items re-applied during resumption passes.",
	})
	resumeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailchat_resume_failures_total",
		Help: "Resumption passes abandoned on a processing error.",
	})
)

func init() {
	prometheus.MustRegister(replayedTotal, resumeFailures)
}

var errApplyFuncMissing = errors.New("resume: apply func is required")

// Manager owns the resumption checkpoint. CatchUp drains the backlog at
// startup; Advance moves the checkpoint as live items are processed.
type Manager struct {
	Transport contracts.Transport
	Watermark contracts.WatermarkStore
	// Apply processes one item and reports whether the transport copy must be
	// retained. A non-nil error aborts the pass; the item is retried next time.
	Apply   func(ctx context.Context, item contracts.InboundItem) (retain bool, err error)
	Overlap time.Duration
	Writer  *queue.CoalescingWriter
	Logger  *slog.Logger

	mu        sync.Mutex
	watermark time.Time
	loaded    bool
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) overlap() time.Duration {
	if m.Overlap > 0 {
		return m.Overlap
	}
	return DefaultOverlap
}

func (m *Manager) loadLocked() error {
	if m.loaded {
		return nil
	}
	ts, err := m.Watermark.Load()
	if err != nil {
		return err
	}
	m.watermark = ts
	m.loaded = true
	return nil
}

// Checkpoint returns the current in-memory watermark, loading it on first use.
func (m *Manager) Checkpoint() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return time.Time{}, err
	}
	return m.watermark, nil
}

// CatchUp lists the inbox from the overlap window before the checkpoint and
// re-applies every item in delivery order. The advanced checkpoint is durably
// persisted before CatchUp returns, so a crash right after startup never
// replays more than one overlap window. Any error leaves the checkpoint at
// the last fully processed item; the next pass resumes from there.
func (m *Manager) CatchUp(ctx context.Context) error {
	if m.Apply == nil {
		return errApplyFuncMissing
	}
	m.mu.Lock()
	if err := m.loadLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	checkpoint := m.watermark
	m.mu.Unlock()

	since := time.Time{}
	if !checkpoint.IsZero() {
		since = checkpoint.Add(-m.overlap())
	}
	items, err := m.Transport.ListInbox(ctx, since)
	if err != nil {
		resumeFailures.Inc()
		return err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DeliveredAt.Before(items[j].DeliveredAt)
	})

	processed := 0
	var applyErr error
	for _, item := range items {
		retain, err := m.Apply(ctx, item)
		if err != nil {
			applyErr = err
			break
		}
		replayedTotal.Inc()
		processed++
		m.advance(item.DeliveredAt)
		if retain {
			continue
		}
		if err := m.Transport.RemoveInboxItem(ctx, item.ID); err != nil {
			// The copy lingers until the next pass; re-applying it is a no-op.
			m.logger().Warn("inbox item removal failed", "inbox_item_id", item.ID, "reason", err.Error())
		}
	}

	m.persist()
	if m.Writer != nil {
		m.Writer.Flush()
	}
	if applyErr != nil {
		resumeFailures.Inc()
		m.logger().Warn("resumption pass aborted", "processed", processed, "backlog", len(items), "reason", applyErr.Error())
		return applyErr
	}
	m.logger().Info("resumption caught up", "replayed", processed)
	return nil
}

// Advance moves the checkpoint forward to ts and schedules a snapshot write.
// Out-of-order timestamps never move it backward.
func (m *Manager) Advance(ts time.Time) {
	if m.advance(ts) {
		m.persist()
	}
}

func (m *Manager) advance(ts time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ts.After(m.watermark) {
		return false
	}
	m.watermark = ts
	m.loaded = true
	return true
}

func (m *Manager) persist() {
	m.mu.Lock()
	ts := m.watermark
	m.mu.Unlock()
	if ts.IsZero() {
		return
	}
	write := func() error { return m.Watermark.Store(ts) }
	if m.Writer == nil {
		if err := write(); err != nil {
			m.logger().Warn("checkpoint write failed", "reason", err.Error())
		}
		return
	}
	m.Writer.Schedule(write)
}
