// Package respond turns gift and guard-purchase events into thank-you chat
// messages. Replies are rate-limited per (sender, template): at most one
// reply per sender within a template's cooldown window, no matter how many
// gifts arrive inside it. Cooldown state lives in memory only: after a
// restart a duplicate thank-you is acceptable, a missing one is not.
package respond

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	biliagent "github.com/simpleKalvin/bilibili-agent"
	"github.com/simpleKalvin/bilibili-agent/dispatch"
	"github.com/simpleKalvin/bilibili-agent/event"
)

// maxSendAttempts bounds outgoing retries; beyond that the failure is logged
// and the reply dropped to avoid duplicate gratitude.
const maxSendAttempts = 2

// Sender delivers an outgoing chat message to the monitored room.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
}

// Template is one reply rule. Pattern placeholders: {user}, {gift}, {count}.
type Template struct {
	ID       string
	Trigger  event.Type // TypeGift or TypeGuardPurchase
	Pattern  string
	Cooldown time.Duration
}

// Render substitutes the placeholders.
func (t Template) Render(user, gift string, count int) string {
	return strings.NewReplacer(
		"{user}", user,
		"{gift}", gift,
		"{count}", strconv.Itoa(count),
	).Replace(t.Pattern)
}

// Engine consumes a dispatch subscription and emits templated replies.
type Engine struct {
	log       *slog.Logger
	templates []Template
	sender    Sender
	clock     clockwork.Clock
	ledger    *cooldownLedger
}

// NewEngine creates an Engine. Templates are read-only to the engine; a nil
// clock falls back to the real one.
func NewEngine(log *slog.Logger, templates []Template, sender Sender, clock clockwork.Clock) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		log:       log,
		templates: templates,
		sender:    sender,
		clock:     clock,
		ledger:    newCooldownLedger(),
	}
}

// Run consumes events from sub until its channel closes or ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, sub *dispatch.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			e.Handle(ctx, ev)
		}
	}
}

// Handle processes one event. Non-trigger events are ignored; trigger events
// inside a cooldown window are acknowledged without a reply.
func (e *Engine) Handle(ctx context.Context, ev event.Event) {
	var uid int64
	var user, gift string
	var count int

	switch ev.Kind {
	case event.TypeGift:
		uid, user, gift, count = ev.Gift.UID, ev.Gift.Uname, ev.Gift.GiftName, ev.Gift.Num
	case event.TypeGuardPurchase:
		uid, user, gift, count = ev.GuardPurchase.UID, ev.GuardPurchase.Uname, ev.GuardPurchase.GiftName, ev.GuardPurchase.Num
	default:
		return
	}

	tmpl, ok := lo.Find(e.templates, func(t Template) bool { return t.Trigger == ev.Kind })
	if !ok {
		return
	}

	key := cooldownKey{uid: uid, templateID: tmpl.ID}
	if !e.ledger.shouldReply(key, tmpl.Cooldown, e.clock.Now()) {
		e.log.Debug("reply suppressed by cooldown", "uid", uid, "template", tmpl.ID)
		return
	}

	text := tmpl.Render(user, gift, count)
	if err := e.send(ctx, text); err != nil {
		e.log.Warn("thank-you reply dropped", "uid", uid, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, text string) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err = e.sender.SendMessage(ctx, text); err == nil {
			return nil
		}
		// Re-sending into a rate limit only burns it further; give up on
		// the first rejection. Only transport failures are worth a retry.
		if errors.Is(err, biliagent.ErrRateLimited) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
