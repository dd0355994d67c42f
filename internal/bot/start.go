package bot

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricebot/internal/storage"
	kit "pricebot/internal/transport"
	"pricebot/internal/transport/telegram/router"
	logx "pricebot/pkg/logx"
	"pricebot/pkg/tgui"
)

// handleStart greets the sender, makes sure their profile and referral code
// exist, and credits the referrer when a ref payload came along.
func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	b.touchSubscriber(ctx, req)
	cfg := req.Config

	if _, err := b.store.EnsureReferralCode(ctx, req.FromID, newReferralCode()); err != nil {
		req.Logger.Warn("referral code setup failed", logx.Err(err))
	}

	applied := false
	if len(req.Args) > 0 {
		applied = b.applyReferral(ctx, req, strings.TrimSpace(req.Args[0]))
	}

	sub, err := b.store.Subscriber(ctx, req.FromID)
	if err != nil {
		return fmt.Errorf("load subscriber: %w", err)
	}
	return reply(ctx, req, renderWelcome(cfg, sub, applied))
}

// applyReferral resolves a /start payload and credits the referrer. The
// payload is either a referral code or a bare subscriber ID, both with an
// optional ref_ prefix. Only the first referral ever counts for a sender.
func (b *Bot) applyReferral(ctx context.Context, req *router.Request, payload string) bool {
	payload = strings.TrimPrefix(payload, "ref_")
	if payload == "" {
		return false
	}
	referrer, ok := b.resolveReferrer(ctx, payload)
	if !ok || referrer.ID == req.FromID {
		return false
	}

	count, applied, err := b.store.RecordReferral(ctx, req.FromID, referrer.ID)
	if err != nil {
		req.Logger.Warn("referral credit failed", logx.Int64("referrer", referrer.ID), logx.Err(err))
		return false
	}
	if !applied {
		return false
	}
	req.Logger.Info("referral credited",
		logx.Int64("referrer", referrer.ID),
		logx.Int("referrals", count))

	if count >= referralThreshold(req.Config) && !referrer.VIP {
		b.promoteVIP(ctx, req, referrer, count)
	}
	return true
}

func (b *Bot) resolveReferrer(ctx context.Context, payload string) (storage.Subscriber, bool) {
	sub, err := b.store.SubscriberByReferralCode(ctx, payload)
	if err == nil {
		return sub, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Subscriber{}, false
	}
	id, perr := strconv.ParseInt(payload, 10, 64)
	if perr != nil || id <= 0 {
		return storage.Subscriber{}, false
	}
	sub, err = b.store.Subscriber(ctx, id)
	return sub, err == nil
}

// promoteVIP flips the referrer to VIP and tells them about it.
func (b *Bot) promoteVIP(ctx context.Context, req *router.Request, referrer storage.Subscriber, count int) {
	if err := b.store.SetVIP(ctx, referrer.ID, true); err != nil {
		req.Logger.Error("vip promotion failed", logx.Int64("referrer", referrer.ID), logx.Err(err))
		return
	}
	req.Logger.Info("subscriber promoted to vip",
		logx.Int64("referrer", referrer.ID),
		logx.Int("referrals", count))

	msg := tgui.New().
		Title("⭐", "You are VIP now").
		Line(fmt.Sprintf("%d friends joined through your link.", count)).
		Line(fmt.Sprintf("Your watch limit is now %d and your items poll on the fast tier.",
			watchLimit(req.Config, true))).
		Build()
	n := kit.Notification{
		Channel:  "telegram",
		Priority: 6,
		Target:   kit.ChatTarget{ChatID: referrer.ID},
		Key:      fmt.Sprintf("vip:%d", referrer.ID),
		Text:     msg.Text,
		Options:  msg.Opt,
	}
	if err := b.notif.Notify(ctx, n); err != nil {
		req.Logger.Warn("vip notification not delivered", logx.Int64("referrer", referrer.ID), logx.Err(err))
	}
}

// Codes get typed from phone screens, so the alphabet skips lookalike
// characters.
const referralAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// newReferralCode builds a short share code.
func newReferralCode() string {
	var raw [8]byte
	if _, err := crand.Read(raw[:]); err != nil {
		binary.LittleEndian.PutUint64(raw[:], uint64(time.Now().UnixNano()))
	}
	out := make([]byte, len(raw))
	for i, c := range raw {
		out[i] = referralAlphabet[int(c)%len(referralAlphabet)]
	}
	return string(out)
}
