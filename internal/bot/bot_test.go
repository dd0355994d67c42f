package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pricebot/internal/amazon"
	"pricebot/internal/config"
	"pricebot/internal/storage"
	kit "pricebot/internal/transport"
	"pricebot/internal/transport/telegram/router"
	logx "pricebot/pkg/logx"
)

// ---- fakes ----

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	edits   []sentMsg
	answers []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMsg{to: kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, text: text, opt: opt})
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "expected at least one sent message")
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) lastEdit(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.edits, "expected at least one edited message")
	return f.edits[len(f.edits)-1]
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fetchResult struct {
	snap *amazon.Snapshot
	err  error
}

type fakeSource struct {
	mu    sync.Mutex
	name  string
	res   map[amazon.ASIN]fetchResult
	calls int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, res: map[amazon.ASIN]fetchResult{}}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, asin amazon.ASIN) (*amazon.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.res[asin]
	if !ok {
		return nil, &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonNotFound}
	}
	if r.snap == nil {
		return nil, r.err
	}
	cp := *r.snap
	return &cp, r.err
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []kit.Notification
	err error
}

func (f *fakeNotifier) Notify(ctx context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return f.err
}

func (f *fakeNotifier) notifications() []kit.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Notification(nil), f.got...)
}

type fakeBroadcast struct {
	mu      sync.Mutex
	enabled bool
	jobs    int
	name    string
	text    string
	targets []kit.ChatTarget
}

func (f *fakeBroadcast) Enabled() bool { return f.enabled }

func (f *fakeBroadcast) NewJob(name string, targets []kit.ChatTarget, text string, opt *kit.SendOptions) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs++
	f.name = name
	f.text = text
	f.targets = append([]kit.ChatTarget(nil), targets...)
	return "bjob-1"
}

// ---- fixture ----

type fixture struct {
	bot    *Bot
	store  storage.Store
	ad     *fakeAdapter
	scrape *fakeSource
	notif  *fakeNotifier
	bcast  *fakeBroadcast
	cfg    *config.Config
	cfgm   *config.ConfigManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Amazon:  config.AmazonConfig{Region: "IT", AssociateTag: "pricebot-21"},
		Tracker: config.TrackerConfig{WatchLimit: 3, WatchLimitVIP: 10, ReferralVIPThreshold: 2},
	}
	cfgm := config.NewConfigManager(filepath.Join(t.TempDir(), "config.json"))
	cfgm.Commit(cfg)

	f := &fixture{
		store:  st,
		ad:     &fakeAdapter{},
		scrape: newFakeSource("scrape"),
		notif:  &fakeNotifier{},
		bcast:  &fakeBroadcast{enabled: true},
		cfg:    cfg,
		cfgm:   cfgm,
	}
	f.bot = New(Deps{
		Store:     st,
		Scrape:    f.scrape,
		Notifier:  f.notif,
		Broadcast: f.bcast,
		Cfgm:      cfgm,
		Log:       logx.Nop(),
	})
	return f
}

func (f *fixture) request(fromID int64, text string, args ...string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
			ID:           1,
			ChatID:       fromID,
			FromID:       fromID,
			FromUsername: fmt.Sprintf("user%d", fromID),
			FromName:     "User",
			FromLang:     "en",
			Text:         text,
		}},
		Chat:     kit.ChatTarget{ChatID: fromID},
		FromID:   fromID,
		Args:     args,
		Adapter:  f.ad,
		Config:   f.cfg,
		Logger:   logx.Nop(),
		Services: &router.Services{},
	}
}

func (f *fixture) callback(fromID int64, action, payload string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
			ID:        "cb-1",
			FromID:    fromID,
			ChatID:    fromID,
			MessageID: 77,
			Data:      "watch:" + action + ":" + payload,
		}},
		Chat:     kit.ChatTarget{ChatID: fromID},
		FromID:   fromID,
		Payload:  payload,
		Adapter:  f.ad,
		Config:   f.cfg,
		Logger:   logx.Nop(),
		Services: &router.Services{},
	}
}

func (f *fixture) seed(asin amazon.ASIN, title string, price float64) {
	p := price
	f.scrape.mu.Lock()
	f.scrape.res[asin] = fetchResult{snap: &amazon.Snapshot{
		ASIN:      asin,
		Title:     title,
		Price:     &p,
		Currency:  "EUR",
		URL:       "https://www.amazon.it/dp/" + asin.String(),
		CheckedAt: time.Now(),
	}}
	f.scrape.mu.Unlock()
}

func f64(v float64) *float64 { return &v }

// ---- link flow ----

func TestLinkAddsWatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)

	req := f.request(10, "look at this https://www.amazon.it/dp/B08N5WRWNW?tag=spam-21")
	require.NoError(t, f.bot.handleLink(ctx, req))

	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Now watching")
	require.Contains(t, last.text, "Echo Dot")
	require.Contains(t, last.text, "€49.99")
	require.Contains(t, last.text, "1/3")
	require.Contains(t, last.text, "tag=pricebot-21", "reply links carry the associate tag")

	item, err := f.store.ItemByASIN(ctx, "B08N5WRWNW")
	require.NoError(t, err)
	require.Equal(t, "Echo Dot", item.Title)
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW", item.URL)
	require.NotNil(t, item.InitialPrice)
	require.InDelta(t, 49.99, *item.InitialPrice, 1e-9)

	obs, ok, err := f.store.LatestObservation(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 49.99, obs.Price, 1e-9)

	watchers, err := f.store.Watchers(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, watchers)

	sub, err := f.store.Subscriber(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "user10", sub.Username)
}

func TestLinkDuplicateWatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.Contains(t, f.ad.lastSent(t).text, "Already watching")
	n, err := f.store.CountWatches(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLinkWatchLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Tracker.WatchLimit = 1
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	f.seed("B01ABCDE12", "Kettle", 24.50)

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B01ABCDE12")))

	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Watchlist full")
	require.Contains(t, last.text, "VIP", "non-VIPs get pointed at the referral path")

	n, err := f.store.CountWatches(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLinkPricelessPageStillAdds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	asin := amazon.ASIN("B08N5WRWNW")
	f.scrape.res[asin] = fetchResult{
		snap: &amazon.Snapshot{ASIN: asin, Title: "Echo Dot", URL: "https://www.amazon.it/dp/B08N5WRWNW", CheckedAt: time.Now()},
		err:  &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonNoPrice},
	}

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Now watching")
	require.Contains(t, last.text, "first successful check")

	item, err := f.store.ItemByASIN(ctx, asin.String())
	require.NoError(t, err)
	require.Nil(t, item.InitialPrice)
	_, ok, err := f.store.LatestObservation(ctx, item.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLinkFetchFailureAddsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	asin := amazon.ASIN("B08N5WRWNW")
	f.scrape.res[asin] = fetchResult{err: &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonNotFound}}

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.Contains(t, f.ad.lastSent(t).text, "doesn't list this product")
	_, err := f.store.ItemByASIN(ctx, asin.String())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLinkFallsBackToScrapeOnUnsigned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	asin := amazon.ASIN("B08N5WRWNW")

	api := newFakeSource("api")
	api.res[asin] = fetchResult{err: &amazon.FetchError{ASIN: asin, Reason: amazon.ReasonUnsigned}}
	f.bot = New(Deps{
		Store:     f.store,
		API:       api,
		Scrape:    f.scrape,
		Notifier:  f.notif,
		Broadcast: f.bcast,
		Cfgm:      f.cfgm,
		Log:       logx.Nop(),
	})
	f.seed(asin, "Echo Dot", 49.99)

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.Contains(t, f.ad.lastSent(t).text, "Now watching")
	require.Equal(t, 1, api.calls)
	require.Equal(t, 1, f.scrape.calls)
}

func TestLinkChatterHandling(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	group := f.request(10, "good morning everyone")
	group.Update.Message.IsGroup = true
	require.NoError(t, f.bot.handleLink(ctx, group))
	require.Zero(t, f.ad.sentCount(), "group chatter stays unanswered")

	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "good morning")))
	require.Contains(t, f.ad.lastSent(t).text, "Amazon product link")
}

// ---- watchlist / remove / target ----

func TestWatchlistRender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleWatchlist(ctx, f.request(10, "/watchlist")))
	require.Contains(t, f.ad.lastSent(t).text, "Nothing here yet")

	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	f.seed("B01ABCDE12", "Kettle", 24.50)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B01ABCDE12")))

	item, err := f.store.ItemByASIN(ctx, "B01ABCDE12")
	require.NoError(t, err)
	require.NoError(t, f.store.SetTarget(ctx, item.ID, f64(19.99)))

	require.NoError(t, f.bot.handleWatchlist(ctx, f.request(10, "/watchlist")))
	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Echo Dot")
	require.Contains(t, last.text, "Kettle")
	require.Contains(t, last.text, "2/3")
	require.Contains(t, last.text, "🎯 €19.99")
	require.NotNil(t, last.opt.ReplyMarkupAdapter, "remove buttons attached")
}

func TestRemoveConfirmFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.NoError(t, f.bot.handleRemove(ctx, f.request(10, "/remove B08N5WRWNW", "B08N5WRWNW")))
	require.Contains(t, f.ad.lastSent(t).text, "Stop watching this item?")

	// Cancel restores the watchlist in place.
	require.NoError(t, f.bot.cbRemoveCancel(ctx, f.callback(10, "rmno", "")))
	require.Contains(t, f.ad.lastEdit(t).text, "Your watchlist")

	// Confirm removes the watch and rewrites the prompt.
	require.NoError(t, f.bot.cbRemoveConfirm(ctx, f.callback(10, "rmok", "B08N5WRWNW")))
	require.Contains(t, f.ad.lastEdit(t).text, "Stopped watching")
	n, err := f.store.CountWatches(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	// A second confirm finds nothing and answers with a toast.
	require.NoError(t, f.bot.cbRemoveConfirm(ctx, f.callback(10, "rmok", "B08N5WRWNW")))
	require.Contains(t, f.ad.answers, "you are not watching this item")
}

func TestRemoveAskCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.NoError(t, f.bot.cbRemoveAsk(ctx, f.callback(10, "rm", "B08N5WRWNW")))
	require.Contains(t, f.ad.lastEdit(t).text, "Stop watching this item?")

	// Another user tapping the same button manages their own (empty) list.
	require.NoError(t, f.bot.cbRemoveAsk(ctx, f.callback(99, "rm", "B08N5WRWNW")))
	require.Contains(t, f.ad.answers, "you are not watching this item")
}

func TestRemoveArgumentErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleRemove(ctx, f.request(10, "/remove")))
	require.Contains(t, f.ad.lastSent(t).text, "Usage:")

	require.NoError(t, f.bot.handleRemove(ctx, f.request(10, "/remove nope", "nope")))
	require.Contains(t, f.ad.lastSent(t).text, "doesn't look like an ASIN")

	require.NoError(t, f.bot.handleRemove(ctx, f.request(10, "/remove B08N5WRWNW", "B08N5WRWNW")))
	require.Contains(t, f.ad.lastSent(t).text, "not watching")
}

func TestTargetSetAndClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	// Locale-tolerant input: comma decimals parse too.
	require.NoError(t, f.bot.handleTarget(ctx, f.request(10, "/target B08N5WRWNW 39,90", "B08N5WRWNW", "39,90")))
	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Target set")
	require.Contains(t, last.text, "€39.90")
	require.NotContains(t, last.text, "already at or under")

	item, err := f.store.ItemByASIN(ctx, "B08N5WRWNW")
	require.NoError(t, err)
	require.NotNil(t, item.TargetPrice)
	require.InDelta(t, 39.90, *item.TargetPrice, 1e-9)

	// A target above the current price warns about the imminent alert.
	require.NoError(t, f.bot.handleTarget(ctx, f.request(10, "/target B08N5WRWNW 59.90", "B08N5WRWNW", "59.90")))
	require.Contains(t, f.ad.lastSent(t).text, "expect an alert")

	require.NoError(t, f.bot.handleTarget(ctx, f.request(10, "/target B08N5WRWNW off", "B08N5WRWNW", "off")))
	require.Contains(t, f.ad.lastSent(t).text, "Target cleared")
	item, err = f.store.ItemByASIN(ctx, "B08N5WRWNW")
	require.NoError(t, err)
	require.Nil(t, item.TargetPrice)

	require.NoError(t, f.bot.handleTarget(ctx, f.request(10, "/target B08N5WRWNW abc", "B08N5WRWNW", "abc")))
	require.Contains(t, f.ad.lastSent(t).text, "Couldn't read that price")
}

func TestTargetRequiresWatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleTarget(ctx, f.request(10, "/target B08N5WRWNW 10", "B08N5WRWNW", "10")))
	require.Contains(t, f.ad.lastSent(t).text, "not watching")
}

// ---- stats ----

func TestStatsCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	item, err := f.store.ItemByASIN(ctx, "B08N5WRWNW")
	require.NoError(t, err)
	require.NoError(t, f.store.CommitCheck(ctx, item.ID, 45.50, "EUR", time.Now()))

	require.NoError(t, f.bot.handleStats(ctx, f.request(10, "/stats B08N5WRWNW", "B08N5WRWNW")))
	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Price history")
	require.Contains(t, last.text, "Echo Dot")
	require.Contains(t, last.text, "Current")
	require.Contains(t, last.text, "€45.50")
	require.Contains(t, last.text, "All-time low")
}

// ---- announce / status ----

func TestAnnounceBroadcasts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertSubscriber(ctx, storage.Subscriber{ID: 11}))
	require.NoError(t, f.store.UpsertSubscriber(ctx, storage.Subscriber{ID: 12}))

	req := f.request(1, "/announce maintenance tonight\nback at 23:00")
	require.NoError(t, f.bot.handleAnnounce(ctx, req))

	require.Equal(t, 1, f.bcast.jobs)
	require.Equal(t, "announce", f.bcast.name)
	require.Equal(t, "maintenance tonight\nback at 23:00", f.bcast.text, "multi-line text survives")
	require.Len(t, f.bcast.targets, 2)

	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Broadcast queued")
	require.Contains(t, last.text, "bjob-1")
}

func TestAnnounceDisabledAndEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleAnnounce(ctx, f.request(1, "/announce")))
	require.Contains(t, f.ad.lastSent(t).text, "Usage:")

	f.bcast.enabled = false
	require.NoError(t, f.bot.handleAnnounce(ctx, f.request(1, "/announce hello")))
	require.Contains(t, f.ad.lastSent(t).text, "Broadcast disabled")
	require.Zero(t, f.bcast.jobs)
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed("B08N5WRWNW", "Echo Dot", 49.99)
	require.NoError(t, f.bot.handleLink(ctx, f.request(10, "https://www.amazon.it/dp/B08N5WRWNW")))

	require.NoError(t, f.bot.handleStatus(ctx, f.request(1, "/status")))
	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Status")
	require.Contains(t, last.text, "Subscribers")
	require.Contains(t, last.text, "standard")
	require.True(t, strings.Contains(last.text, "Uptime"))
}
