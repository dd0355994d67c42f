package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartWelcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleStart(ctx, f.request(10, "/start")))

	sub, err := f.store.Subscriber(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sub.ReferralCode, 8)

	last := f.ad.lastSent(t)
	require.Contains(t, last.text, "Amazon Price Tracker")
	require.Contains(t, last.text, "ref_"+sub.ReferralCode)

	// The code survives repeat /start calls.
	require.NoError(t, f.bot.handleStart(ctx, f.request(10, "/start")))
	again, err := f.store.Subscriber(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, sub.ReferralCode, again.ReferralCode)
}

func TestReferralChainPromotesVIP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleStart(ctx, f.request(1, "/start")))
	owner, err := f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	code := owner.ReferralCode

	require.NoError(t, f.bot.handleStart(ctx, f.request(2, "/start", "ref_"+code)))
	require.Contains(t, f.ad.lastSent(t).text, "friend gets credit")

	owner, err = f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, owner.Referrals)
	require.False(t, owner.VIP)

	joined, err := f.store.Subscriber(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), joined.ReferredBy)

	// Second sign-up crosses the threshold of two.
	require.NoError(t, f.bot.handleStart(ctx, f.request(3, "/start", "ref_"+code)))

	owner, err = f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, owner.Referrals)
	require.True(t, owner.VIP)

	vips := 0
	for _, n := range f.notif.notifications() {
		if n.Key == "vip:1" {
			vips++
			require.Equal(t, int64(1), n.Target.ChatID)
			require.Contains(t, n.Text, "VIP")
		}
	}
	require.Equal(t, 1, vips)

	// Further referrals still count but cannot promote twice.
	require.NoError(t, f.bot.handleStart(ctx, f.request(4, "/start", "ref_"+code)))
	owner, err = f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, owner.Referrals)
	for _, n := range f.notif.notifications() {
		if n.Key == "vip:1" {
			vips--
		}
	}
	require.Zero(t, vips, "promotion notification sent exactly once")
}

func TestReferralByNumericID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleStart(ctx, f.request(1, "/start")))
	require.NoError(t, f.bot.handleStart(ctx, f.request(2, "/start", "ref_1")))

	owner, err := f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, owner.Referrals)
}

func TestReferralSelfAndRepeatIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleStart(ctx, f.request(1, "/start")))
	owner, err := f.store.Subscriber(ctx, 1)
	require.NoError(t, err)

	// Clicking your own link does nothing.
	require.NoError(t, f.bot.handleStart(ctx, f.request(1, "/start", "ref_"+owner.ReferralCode)))
	owner, err = f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, owner.Referrals)

	// Only the first referrer ever gets credit.
	require.NoError(t, f.bot.handleStart(ctx, f.request(2, "/start")))
	require.NoError(t, f.bot.handleStart(ctx, f.request(3, "/start", "ref_"+owner.ReferralCode)))
	third, err := f.store.Subscriber(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), third.ReferredBy)

	two, err := f.store.Subscriber(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.bot.handleStart(ctx, f.request(3, "/start", "ref_"+two.ReferralCode)))

	owner, err = f.store.Subscriber(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, owner.Referrals)
	two, err = f.store.Subscriber(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, two.Referrals)
}

func TestUnknownReferralPayloadIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.handleStart(ctx, f.request(2, "/start", "ref_nosuchcode")))
	require.Contains(t, f.ad.lastSent(t).text, "Amazon Price Tracker")
	sub, err := f.store.Subscriber(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, sub.ReferredBy)
}

func TestNewReferralCode(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := newReferralCode()
		require.Len(t, code, 8)
		for _, r := range code {
			require.Contains(t, referralAlphabet, string(r))
		}
		seen[code] = true
	}
	require.Greater(t, len(seen), 45, "codes should not collide")
}
