package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"mission-queue-monitor/internal/auth"
	"mission-queue-monitor/internal/client"
	"mission-queue-monitor/internal/models"
	"mission-queue-monitor/internal/push"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI implements QueueAPI with recorded calls and injectable behavior.
type fakeAPI struct {
	mu sync.Mutex

	items []models.QueueItem
	stats models.QueueStatistics

	listCalls int
	listFn    func(ctx context.Context) ([]models.QueueItem, error)

	cancelCalls int
	cancelIDs   []string
	cancelModes []models.CancelMode
	cancelFn    func() error

	retryIDs    []string
	priorityIDs []string
	moveUpIDs   []string
	moveDownIDs []string
}

func (f *fakeAPI) ListAll(ctx context.Context) ([]models.QueueItem, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.listFn
	items := append([]models.QueueItem(nil), f.items...)
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return items, nil
}

func (f *fakeAPI) GetStatistics(ctx context.Context) (*models.QueueStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.stats
	return &stats, nil
}

func (f *fakeAPI) Cancel(ctx context.Context, id string, mode models.CancelMode, reason string) error {
	f.mu.Lock()
	f.cancelCalls++
	f.cancelIDs = append(f.cancelIDs, id)
	f.cancelModes = append(f.cancelModes, mode)
	fn := f.cancelFn
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

func (f *fakeAPI) Retry(ctx context.Context, id string) (*models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryIDs = append(f.retryIDs, id)
	return &models.QueueItem{ID: id, Status: models.StatusQueued}, nil
}

func (f *fakeAPI) ChangePriority(ctx context.Context, id string, priority int) (*models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priorityIDs = append(f.priorityIDs, id)
	return &models.QueueItem{ID: id, Status: models.StatusQueued, Priority: priority}, nil
}

func (f *fakeAPI) MoveUp(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveUpIDs = append(f.moveUpIDs, id)
	return nil
}

func (f *fakeAPI) MoveDown(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveDownIDs = append(f.moveDownIDs, id)
	return nil
}

func (f *fakeAPI) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// fakeSource implements ChangeSource under test control.
type fakeSource struct {
	events chan push.Event
	states chan push.ConnectionState

	mu    sync.Mutex
	state push.ConnectionState
}

func newFakeSource(initial push.ConnectionState) *fakeSource {
	return &fakeSource{
		events: make(chan push.Event, 8),
		states: make(chan push.ConnectionState, 8),
		state:  initial,
	}
}

func (s *fakeSource) Events() <-chan push.Event { return s.events }

func (s *fakeSource) StateChanges() <-chan push.ConnectionState { return s.states }

func (s *fakeSource) State() push.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) setState(st push.ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.states <- st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sixStatusItems() []models.QueueItem {
	return []models.QueueItem{
		{ID: "m-1", Status: models.StatusQueued, QueuePosition: 1},
		{ID: "m-2", Status: models.StatusProcessing},
		{ID: "m-3", Status: models.StatusAssigned, AssignedRobotID: "r-9"},
		{ID: "m-4", Status: models.StatusCompleted},
		{ID: "m-5", Status: models.StatusFailed, RetryCount: 1, MaxRetries: 3},
		{ID: "m-6", Status: models.StatusCancelled},
	}
}

func TestRefreshInstallsSnapshotAndPartitions(t *testing.T) {
	api := &fakeAPI{items: sixStatusItems(), stats: models.QueueStatistics{TotalQueued: 1, SuccessRate: 50}}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	var hookCalls int
	ctrl.OnSnapshot = func(snap Snapshot, stats models.QueueStatistics) { hookCalls++ }

	require.NoError(t, ctrl.Refresh(context.Background()))

	snap := ctrl.Snapshot()
	assert.Len(t, snap.Items, 6)
	assert.False(t, snap.FetchedAt.IsZero())
	assert.Equal(t, 50.0, ctrl.Statistics().SuccessRate)
	assert.Equal(t, 1, hookCalls)

	parts := ctrl.Partitions()
	ids := func(items []models.QueueItem) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.ID)
		}
		return out
	}
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, ids(parts.Active))
	assert.Equal(t, []string{"m-1", "m-2"}, ids(parts.Queued))
	assert.Equal(t, []string{"m-4", "m-5", "m-6"}, ids(parts.History))
}

func TestPartitionTotalAndDisjoint(t *testing.T) {
	parts := partition(sixStatusItems())

	// Every item lands in exactly one of active/history.
	assert.Equal(t, 6, len(parts.Active)+len(parts.History))

	active := map[string]bool{}
	for _, it := range parts.Active {
		active[it.ID] = true
	}
	for _, it := range parts.History {
		assert.False(t, active[it.ID], "item %s in both active and history", it.ID)
	}

	// queued ⊆ active
	for _, it := range parts.Queued {
		assert.True(t, active[it.ID], "queued item %s missing from active", it.ID)
	}
}

func TestLastResolvedFetchWins(t *testing.T) {
	api := &fakeAPI{}
	calls := make(chan chan []models.QueueItem, 2)
	api.listFn = func(ctx context.Context) ([]models.QueueItem, error) {
		release := make(chan []models.QueueItem)
		calls <- release
		return <-release, nil
	}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	done1 := make(chan struct{})
	done2 := make(chan struct{})
	go func() { defer close(done1); ctrl.Refresh(context.Background()) }()
	release1 := <-calls
	go func() { defer close(done2); ctrl.Refresh(context.Background()) }()
	release2 := <-calls

	itemsA := []models.QueueItem{{ID: "from-first-fetch", Status: models.StatusQueued}}
	itemsB := []models.QueueItem{{ID: "from-second-fetch", Status: models.StatusQueued}}

	// The second-issued fetch resolves first; the first-issued fetch resolves
	// last and must win.
	release2 <- itemsB
	<-done2
	release1 <- itemsA
	<-done1

	snap := ctrl.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "from-first-fetch", snap.Items[0].ID)
}

func TestDuplicateActionRejectedLocally(t *testing.T) {
	api := &fakeAPI{}
	block := make(chan struct{})
	api.cancelFn = func() error { <-block; return nil }
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	firstErr := make(chan error, 1)
	go func() { firstErr <- ctrl.Cancel(context.Background(), "m-1", models.CancelNormal, "") }()
	waitFor(t, "first cancel in flight", func() bool { return ctrl.Pending("m-1") })

	err := ctrl.Cancel(context.Background(), "m-1", models.CancelNormal, "")
	assert.ErrorIs(t, err, ErrActionInProgress)

	api.mu.Lock()
	assert.Equal(t, 1, api.cancelCalls, "duplicate must not reach the network")
	api.mu.Unlock()

	close(block)
	require.NoError(t, <-firstErr)
	assert.False(t, ctrl.Pending("m-1"))
}

func TestActionsOnDifferentItemsRunConcurrently(t *testing.T) {
	api := &fakeAPI{}
	block := make(chan struct{})
	api.cancelFn = func() error { <-block; return nil }
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	errs := make(chan error, 2)
	go func() { errs <- ctrl.Cancel(context.Background(), "m-1", models.CancelForce, "") }()
	go func() { errs <- ctrl.Cancel(context.Background(), "m-2", models.CancelForce, "") }()

	waitFor(t, "both cancels in flight", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.cancelCalls == 2
	})

	close(block)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestRetryReconcilesWithoutSpeculation(t *testing.T) {
	// Server-side view after the retry: item 42 back in the queue.
	api := &fakeAPI{items: []models.QueueItem{{ID: "42", Status: models.StatusQueued, RetryCount: 2, MaxRetries: 3}}}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	require.NoError(t, ctrl.Retry(context.Background(), "42"))

	api.mu.Lock()
	assert.Equal(t, []string{"42"}, api.retryIDs)
	api.mu.Unlock()

	// The snapshot comes from the reconciling refetch, never from a local
	// speculative transition.
	assert.Equal(t, 1, api.listCallCount())
	snap := ctrl.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, models.StatusQueued, snap.Items[0].Status)
}

func TestActionFailureClearsPendingAndNotifies(t *testing.T) {
	api := &fakeAPI{}
	api.cancelFn = func() error {
		return &client.APIError{Kind: client.KindConflict, Message: "item already terminal"}
	}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	var notices []string
	var noticesMu sync.Mutex
	ctrl.OnNotice = func(msg string) {
		noticesMu.Lock()
		notices = append(notices, msg)
		noticesMu.Unlock()
	}

	err := ctrl.Cancel(context.Background(), "m-4", models.CancelForce, "")
	require.Error(t, err)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, client.KindConflict, apiErr.Kind)

	assert.False(t, ctrl.Pending("m-4"))
	// A reconciling refetch still runs after a failed action.
	assert.Equal(t, 1, api.listCallCount())

	noticesMu.Lock()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "item already terminal")
	noticesMu.Unlock()
}

func TestGateDeniesCancel(t *testing.T) {
	api := &fakeAPI{}
	deny := auth.GateFunc(func(ctx context.Context, action auth.Action) (bool, error) {
		return false, nil
	})
	ctrl := New(api, newFakeSource(push.StateConnected), deny, time.Second)

	err := ctrl.Cancel(context.Background(), "m-1", models.CancelForce, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	api.mu.Lock()
	assert.Equal(t, 0, api.cancelCalls, "denied cancel must never reach the client")
	api.mu.Unlock()
}

func TestGateOnlyGuardsCancel(t *testing.T) {
	api := &fakeAPI{}
	deny := auth.GateFunc(func(ctx context.Context, action auth.Action) (bool, error) {
		return false, nil
	})
	ctrl := New(api, newFakeSource(push.StateConnected), deny, time.Second)

	require.NoError(t, ctrl.Retry(context.Background(), "m-5"))
	require.NoError(t, ctrl.MoveUp(context.Background(), "m-1"))
	require.NoError(t, ctrl.MoveDown(context.Background(), "m-1"))
	require.NoError(t, ctrl.ChangePriority(context.Background(), "m-1", models.PriorityHigh))
}

func TestPushEventTriggersSilentRefetch(t *testing.T) {
	api := &fakeAPI{items: sixStatusItems()}
	source := newFakeSource(push.StateConnected)
	ctrl := New(api, source, nil, time.Hour) // ticker effectively off

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.events <- push.Event{Type: push.EventQueueUpdated}
	waitFor(t, "push-triggered refetch", func() bool { return api.listCallCount() == 1 })
	assert.False(t, ctrl.Loading(), "push refetch must not flash the loading indicator")

	source.events <- push.Event{Type: push.EventMissionStatusChanged, MissionID: "m-5", Status: models.StatusQueued}
	waitFor(t, "second push-triggered refetch", func() bool { return api.listCallCount() == 2 })
}

func TestFallbackPollingTogglesWithConnectionState(t *testing.T) {
	api := &fakeAPI{}
	source := newFakeSource(push.StateConnected)
	ctrl := New(api, source, nil, 20*time.Millisecond)

	var notices []string
	var noticesMu sync.Mutex
	ctrl.OnNotice = func(msg string) {
		noticesMu.Lock()
		notices = append(notices, msg)
		noticesMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	// Connected: no polling.
	time.Sleep(70 * time.Millisecond)
	assert.False(t, ctrl.AutoRefreshEnabled())
	assert.Equal(t, 0, api.listCallCount(), "no refetch while push is healthy")

	// Drop: polling kicks in within one interval.
	source.setState(push.StateDisconnected)
	waitFor(t, "polling enabled", func() bool { return ctrl.AutoRefreshEnabled() })
	waitFor(t, "fallback poll fired", func() bool { return api.listCallCount() >= 1 })

	noticesMu.Lock()
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[0], "fallback polling")
	noticesMu.Unlock()

	// Recovered: polling stops within one interval.
	source.setState(push.StateConnected)
	waitFor(t, "polling disabled", func() bool { return !ctrl.AutoRefreshEnabled() })
	time.Sleep(30 * time.Millisecond) // let any in-flight tick drain
	calls := api.listCallCount()
	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, calls, api.listCallCount(), "no polls while connected")
}

func TestErrorStateAlsoEnablesPolling(t *testing.T) {
	api := &fakeAPI{}
	source := newFakeSource(push.StateError)
	ctrl := New(api, source, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	waitFor(t, "polling enabled from error state", func() bool { return ctrl.AutoRefreshEnabled() })
	waitFor(t, "poll fired", func() bool { return api.listCallCount() >= 1 })
}

func TestManualRefreshSetsLoading(t *testing.T) {
	api := &fakeAPI{}
	release := make(chan struct{})
	api.listFn = func(ctx context.Context) ([]models.QueueItem, error) {
		<-release
		return nil, nil
	}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)

	done := make(chan struct{})
	go func() { defer close(done); ctrl.Refresh(context.Background()) }()

	waitFor(t, "loading flag", func() bool { return ctrl.Loading() })
	close(release)
	<-done
	assert.False(t, ctrl.Loading())
}

func TestRefreshFailureLeavesSnapshotUntouched(t *testing.T) {
	api := &fakeAPI{items: sixStatusItems()}
	ctrl := New(api, newFakeSource(push.StateConnected), nil, time.Second)
	require.NoError(t, ctrl.Refresh(context.Background()))

	api.mu.Lock()
	api.listFn = func(ctx context.Context) ([]models.QueueItem, error) {
		return nil, &client.APIError{Kind: client.KindTransient, Message: "gateway timeout"}
	}
	api.mu.Unlock()

	err := ctrl.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, ctrl.Snapshot().Items, 6, "failed fetch must not clobber the snapshot")
}
