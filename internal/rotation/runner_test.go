package rotation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pricebot/internal/amazon"
	"pricebot/internal/storage"
	logx "pricebot/pkg/logx"
)

type fakeSource struct {
	name  string
	calls []amazon.ASIN
	fetch func(asin amazon.ASIN, call int) (*amazon.Snapshot, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, asin amazon.ASIN) (*amazon.Snapshot, error) {
	call := len(f.calls)
	f.calls = append(f.calls, asin)
	return f.fetch(asin, call)
}

type fakeAlerter struct {
	drops []Drop
}

func (f *fakeAlerter) AlertDrop(_ context.Context, drop Drop) error {
	f.drops = append(f.drops, drop)
	return nil
}

func snapOf(asin amazon.ASIN, price float64) *amazon.Snapshot {
	p := price
	return &amazon.Snapshot{
		ASIN:      asin,
		Title:     "Item " + string(asin),
		Price:     &p,
		Currency:  "EUR",
		CheckedAt: time.Now(),
	}
}

// newRunnerStore seeds a store with n items all watched by subscriber 1.
func newRunnerStore(t *testing.T, n int) (storage.Store, []storage.Item) {
	t.Helper()

	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "rotation.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertSubscriber(ctx, storage.Subscriber{ID: 1}))

	items := make([]storage.Item, 0, n)
	for i := 0; i < n; i++ {
		item, err := st.EnsureItem(ctx, fmt.Sprintf("B00000000%d", i), "", "")
		require.NoError(t, err)
		_, err = st.AddWatch(ctx, 1, item.ID)
		require.NoError(t, err)
		items = append(items, item)
	}
	return st, items
}

func TestRunnerFullRotation(t *testing.T) {
	t.Parallel()

	st, items := newRunnerStore(t, 3)
	ctx := context.Background()

	src := &fakeSource{name: "fake", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		return snapOf(asin, 100), nil
	}}
	alerts := &fakeAlerter{}
	run := NewRunner(Config{Tier: storage.TierStandard, Period: time.Minute}, st, nil, src, alerts, logx.Nop())

	sum, err := run.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Population)
	require.Equal(t, 3, sum.Budget)
	require.Equal(t, 3, sum.Visited)
	require.Equal(t, 3, sum.Succeeded)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 0, sum.Drops, "first checks without targets stay silent")
	require.Equal(t, 0, sum.Cursor)

	// State after the first pass: observation recorded, baseline filled,
	// title backfilled from the snapshot.
	item, err := st.ItemByASIN(ctx, items[0].ASIN)
	require.NoError(t, err)
	require.NotNil(t, item.InitialPrice)
	require.InDelta(t, 100, *item.InitialPrice, 1e-9)
	require.Equal(t, "Item "+items[0].ASIN, item.Title)

	// Second pass at a lower price alerts every watcher.
	src.fetch = func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		return snapOf(asin, 80), nil
	}
	sum, err = run.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Drops)
	require.Len(t, alerts.drops, 3)

	drop := alerts.drops[0]
	require.Equal(t, []int64{1}, drop.Watchers)
	require.InDelta(t, 80, drop.Outcome.Current, 1e-9)
	require.NotNil(t, drop.Outcome.Previous)
	require.InDelta(t, 100, *drop.Outcome.Previous, 1e-9)
	require.InDelta(t, 100, drop.Outcome.Reference, 1e-9)
}

func TestRunnerFailureIsolation(t *testing.T) {
	t.Parallel()

	st, items := newRunnerStore(t, 5)
	ctx := context.Background()

	bad := items[2].ASIN
	src := &fakeSource{name: "fake", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		if string(asin) == bad {
			return nil, &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonNetwork, Err: errors.New("connection reset")}
		}
		return snapOf(asin, 50), nil
	}}
	run := NewRunner(Config{Tier: storage.TierStandard, Period: time.Minute}, st, nil, src, &fakeAlerter{}, logx.Nop())

	sum, err := run.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, sum.Visited)
	require.Equal(t, 4, sum.Succeeded)
	require.Equal(t, 1, sum.Failed)

	for _, item := range items {
		_, ok, err := st.LatestObservation(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, item.ASIN != bad, ok, "asin %s", item.ASIN)
	}
}

func TestRunnerCursorAdvancesAcrossRuns(t *testing.T) {
	t.Parallel()

	st, items := newRunnerStore(t, 7)
	ctx := context.Background()

	src := &fakeSource{name: "fake", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		return snapOf(asin, 10), nil
	}}
	// Three paced fetches fit into one period.
	run := NewRunner(Config{
		Tier:   storage.TierStandard,
		Period: 3 * time.Millisecond,
		Pacing: time.Millisecond,
	}, st, nil, src, &fakeAlerter{}, logx.Nop())

	var visited []string
	for _, wantCursor := range []int{3, 6, 2} {
		sum, err := run.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, sum.Budget)
		require.Equal(t, wantCursor, sum.Cursor)

		pos, err := st.Cursor(ctx, storage.TierStandard)
		require.NoError(t, err)
		require.Equal(t, wantCursor, pos)
	}
	for _, asin := range src.calls {
		visited = append(visited, string(asin))
	}

	want := []string{
		items[0].ASIN, items[1].ASIN, items[2].ASIN,
		items[3].ASIN, items[4].ASIN, items[5].ASIN,
		items[6].ASIN, items[0].ASIN, items[1].ASIN,
	}
	require.Equal(t, want, visited, "rotation visits every item before revisiting")
}

func TestRunnerUnsignedFallsBackToScraper(t *testing.T) {
	t.Parallel()

	st, _ := newRunnerStore(t, 2)
	ctx := context.Background()

	api := &fakeSource{name: "api", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		return nil, &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonUnsigned, Err: errors.New("status 403")}
	}}
	scrape := &fakeSource{name: "scrape", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		return snapOf(asin, 42), nil
	}}
	run := NewRunner(Config{Tier: storage.TierStandard, Period: time.Minute}, st, api, scrape, &fakeAlerter{}, logx.Nop())

	sum, err := run.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Succeeded)
	require.Equal(t, 0, sum.Failed)

	// One rejected API call, then the scraper serves the retried item and
	// everything after it.
	require.Len(t, api.calls, 1)
	require.Len(t, scrape.calls, 2)
}

func TestRunnerBroadcastFlag(t *testing.T) {
	t.Parallel()

	st, items := newRunnerStore(t, 2)
	ctx := context.Background()

	// Seed baselines: 100 for both items.
	for _, item := range items {
		require.NoError(t, st.CommitCheck(ctx, item.ID, 100, "EUR", time.Now().Add(-time.Hour)))
	}

	deep, shallow := items[0].ASIN, items[1].ASIN
	src := &fakeSource{name: "fake", fetch: func(asin amazon.ASIN, _ int) (*amazon.Snapshot, error) {
		if string(asin) == deep {
			return snapOf(asin, 80), nil // 20% under baseline
		}
		return snapOf(asin, 95), nil // 5% under baseline
	}}
	alerts := &fakeAlerter{}
	run := NewRunner(Config{
		Tier:         storage.TierStandard,
		Period:       time.Minute,
		BroadcastPct: 15,
	}, st, nil, src, alerts, logx.Nop())

	_, err := run.Run(ctx)
	require.NoError(t, err)
	require.Len(t, alerts.drops, 2)

	byASIN := map[string]Drop{}
	for _, d := range alerts.drops {
		byASIN[d.Item.ASIN] = d
	}
	require.True(t, byASIN[deep].Broadcast)
	require.InDelta(t, 20, byASIN[deep].BroadcastPct, 1e-9)
	require.False(t, byASIN[shallow].Broadcast)
}

func TestRunnerStopsBetweenItemsOnCancel(t *testing.T) {
	t.Parallel()

	st, items := newRunnerStore(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{name: "fake"}
	src.fetch = func(asin amazon.ASIN, call int) (*amazon.Snapshot, error) {
		if call == 1 {
			// Cancellation lands while the second item is in flight.
			cancel()
		}
		return snapOf(asin, 10), nil
	}
	run := NewRunner(Config{
		Tier:   storage.TierStandard,
		Period: time.Minute,
		Pacing: time.Millisecond,
	}, st, nil, src, &fakeAlerter{}, logx.Nop())

	sum, err := run.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Visited)
	require.Equal(t, 2, sum.Succeeded, "the in-flight item still commits")
	require.Equal(t, 2, sum.Cursor, "cursor advances only past visited items")

	// The interrupted item's commit landed; nothing after it ran.
	_, ok, err := st.LatestObservation(ctx, items[1].ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = st.LatestObservation(ctx, items[2].ID)
	require.NoError(t, err)
	require.False(t, ok)
}
