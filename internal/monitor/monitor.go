package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"mission-queue-monitor/internal/auth"
	"mission-queue-monitor/internal/client"
	"mission-queue-monitor/internal/models"
	"mission-queue-monitor/internal/push"
)

// ErrActionInProgress is returned when a mutation is requested for an item
// that already has one in flight. No network call is made.
var ErrActionInProgress = errors.New("monitor: action already in progress for this item")

// ErrNotAuthorized is returned when the authorization gate declines a cancel.
var ErrNotAuthorized = errors.New("monitor: cancel not authorized")

// QueueAPI is the slice of the queue client the controller depends on.
type QueueAPI interface {
	ListAll(ctx context.Context) ([]models.QueueItem, error)
	GetStatistics(ctx context.Context) (*models.QueueStatistics, error)
	Cancel(ctx context.Context, id string, mode models.CancelMode, reason string) error
	Retry(ctx context.Context, id string) (*models.QueueItem, error)
	ChangePriority(ctx context.Context, id string, priority int) (*models.QueueItem, error)
	MoveUp(ctx context.Context, id string) error
	MoveDown(ctx context.Context, id string) error
}

// ChangeSource is the slice of the push manager the controller depends on.
type ChangeSource interface {
	Events() <-chan push.Event
	StateChanges() <-chan push.ConnectionState
	State() push.ConnectionState
}

// Snapshot is the locally cached queue view, replaced wholesale on every
// successful refetch. Last resolved fetch wins; consumers must treat it as
// eventually consistent with the server.
type Snapshot struct {
	Items     []models.QueueItem
	FetchedAt time.Time
}

// Partitions are the derived subsets of the current snapshot, recomputed on
// every refetch. Queued is a subset of Active.
type Partitions struct {
	Active  []models.QueueItem
	Queued  []models.QueueItem
	History []models.QueueItem
}

// Controller owns the snapshot, statistics, partitions, and the pending
// action set. All mutation of that state goes through its methods.
type Controller struct {
	api          QueueAPI
	source       ChangeSource
	gate         auth.Gate
	pollInterval time.Duration

	mu          sync.Mutex
	snapshot    Snapshot
	stats       models.QueueStatistics
	parts       Partitions
	pending     map[string]bool
	loading     bool
	autoRefresh bool

	// OnSnapshot fires after every successful refetch with the fresh view.
	OnSnapshot func(Snapshot, models.QueueStatistics)
	// OnNotice fires with a short user-facing message for action failures
	// and fallback-polling transitions.
	OnNotice func(msg string)
}

// New wires a controller. A nil gate means every cancel is allowed
// (equivalent to auth.ElevatedGate). Poll interval zero defaults to 5s.
func New(api QueueAPI, source ChangeSource, gate auth.Gate, pollInterval time.Duration) *Controller {
	if gate == nil {
		gate = auth.ElevatedGate{}
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Controller{
		api:          api,
		source:       source,
		gate:         gate,
		pollInterval: pollInterval,
		pending:      make(map[string]bool),
	}
}

// Run consumes push events, state changes, and the fallback poll ticker until
// the context is cancelled. Polling is active only while the push channel is
// disconnected or errored; push and polling are never both live.
func (c *Controller) Run(ctx context.Context) {
	c.applyConnectionState(c.source.State())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.source.Events():
			log.Printf("[REFRESH] Push signal %s", ev.Type)
			c.refresh(ctx, true)
		case st := <-c.source.StateChanges():
			c.applyConnectionState(st)
		case <-ticker.C:
			if c.AutoRefreshEnabled() {
				c.refresh(ctx, true)
			}
		}
	}
}

// Refresh refetches on user request, with the loading indicator set for the
// duration of the fetch.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.refresh(ctx, false)
}

// refresh is the single refetch-and-partition routine every trigger converges
// on. Silent refreshes skip the loading flag to avoid flicker on
// high-frequency server-driven updates.
func (c *Controller) refresh(ctx context.Context, silent bool) error {
	if !silent {
		c.mu.Lock()
		c.loading = true
		c.mu.Unlock()
	}

	items, err := c.api.ListAll(ctx)
	if err == nil {
		var stats *models.QueueStatistics
		stats, err = c.api.GetStatistics(ctx)
		if err == nil {
			c.install(Snapshot{Items: items, FetchedAt: time.Now()}, *stats)
		}
	}

	if !silent {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}

	if err != nil {
		log.Printf("[ERROR] Refresh failed: %v", err)
	}
	return err
}

// install replaces the snapshot wholesale and recomputes partitions. Whatever
// fetch resolves last wins, regardless of issue order.
func (c *Controller) install(snap Snapshot, stats models.QueueStatistics) {
	parts := partition(snap.Items)

	c.mu.Lock()
	c.snapshot = snap
	c.stats = stats
	c.parts = parts
	hook := c.OnSnapshot
	c.mu.Unlock()

	if hook != nil {
		hook(snap, stats)
	}
}

func partition(items []models.QueueItem) Partitions {
	var p Partitions
	for _, item := range items {
		switch item.Status {
		case models.StatusQueued, models.StatusProcessing:
			p.Active = append(p.Active, item)
			p.Queued = append(p.Queued, item)
		case models.StatusAssigned:
			p.Active = append(p.Active, item)
		case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
			p.History = append(p.History, item)
		}
	}
	return p
}

// Cancel runs the authorization gate, then forwards the cancel and reconciles
// with a refetch. The snapshot is never speculatively mutated.
func (c *Controller) Cancel(ctx context.Context, id string, mode models.CancelMode, reason string) error {
	ok, err := c.gate.Authorize(ctx, auth.Action{Name: "cancel", ItemID: id, Reason: reason})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorized
	}

	return c.runAction(ctx, id, "cancel", func() error {
		return c.api.Cancel(ctx, id, mode, reason)
	})
}

// Retry re-queues a failed item.
func (c *Controller) Retry(ctx context.Context, id string) error {
	return c.runAction(ctx, id, "retry", func() error {
		_, err := c.api.Retry(ctx, id)
		return err
	})
}

// ChangePriority updates a queued item's priority.
func (c *Controller) ChangePriority(ctx context.Context, id string, priority int) error {
	return c.runAction(ctx, id, "priority", func() error {
		_, err := c.api.ChangePriority(ctx, id, priority)
		return err
	})
}

// MoveUp moves a queued item one rank toward the front.
func (c *Controller) MoveUp(ctx context.Context, id string) error {
	return c.runAction(ctx, id, "move-up", func() error {
		return c.api.MoveUp(ctx, id)
	})
}

// MoveDown moves a queued item one rank toward the back.
func (c *Controller) MoveDown(ctx context.Context, id string) error {
	return c.runAction(ctx, id, "move-down", func() error {
		return c.api.MoveDown(ctx, id)
	})
}

// runAction serializes mutations per item: a second request for an id with
// one already in flight is rejected locally without touching the network.
// The id is cleared and a reconciling refetch runs whether the call
// succeeded or not.
func (c *Controller) runAction(ctx context.Context, id, name string, fn func() error) error {
	c.mu.Lock()
	if c.pending[id] {
		c.mu.Unlock()
		return ErrActionInProgress
	}
	c.pending[id] = true
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	if err != nil {
		log.Printf("[ACTION] %s %s failed: %v", name, id, err)
		c.notify(noticeFor(name, err))
	} else {
		log.Printf("[ACTION] %s %s ok", name, id)
	}

	// Reconcile with server-authoritative state. Covers the NotFound case
	// too: a pruned item just disappears from the next snapshot.
	c.refresh(ctx, true)
	return err
}

// noticeFor builds the transient user message for a failed action: the
// server's own message when present, otherwise a category message.
func noticeFor(name string, err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return name + ": " + apiErr.Message
	}
	if errors.As(err, &apiErr) {
		return name + " failed: " + string(apiErr.Kind)
	}
	return name + " failed"
}

func (c *Controller) notify(msg string) {
	c.mu.Lock()
	hook := c.OnNotice
	c.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
}

// applyConnectionState enables fallback polling exactly when the push channel
// is down.
func (c *Controller) applyConnectionState(st push.ConnectionState) {
	degraded := st == push.StateDisconnected || st == push.StateError

	c.mu.Lock()
	changed := c.autoRefresh != degraded
	c.autoRefresh = degraded
	c.mu.Unlock()

	if changed && degraded {
		log.Printf("[REFRESH] Push channel %s, fallback polling enabled", st)
		c.notify("using fallback polling")
	} else if changed {
		log.Printf("[REFRESH] Push channel %s, fallback polling disabled", st)
	}
}

// Snapshot returns the current cached view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Statistics returns the latest fetched aggregates.
func (c *Controller) Statistics() models.QueueStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Partitions returns the derived active/queued/history subsets.
func (c *Controller) Partitions() Partitions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parts
}

// Loading reports whether a manual refresh is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Pending reports whether an action is in flight for the item.
func (c *Controller) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// AutoRefreshEnabled reports whether fallback polling is active.
func (c *Controller) AutoRefreshEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRefresh
}
