// Package telegram adapts Telegram Bot API sessions to the slot driver
// contract. Authentication is token-based: the auth blob is the bot token,
// so there is no pairing phase. A slot without a stored token cannot
// authenticate and falls through to the next driver in the tenant's order.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"slotcast/internal/driver"
	logx "slotcast/pkg/logx"
)

const Name = "telegram"

type session struct {
	bot    *tele.Bot
	events chan driver.Event
	cancel context.CancelFunc
}

// Driver holds one telebot client per connected slot.
type Driver struct {
	log logx.Logger

	mu       sync.Mutex
	sessions map[driver.SlotID]*session

	// newBot is swapped in tests to avoid hitting api.telegram.org.
	newBot func(token string) (*tele.Bot, error)
}

func New(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		log:      log,
		sessions: make(map[driver.SlotID]*session),
		newBot: func(token string) (*tele.Bot, error) {
			// Send-only: no poller. Dispatch never consumes inbound
			// updates through this driver.
			return tele.NewBot(tele.Settings{Token: token, Synchronous: true})
		},
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Connect(ctx context.Context, id driver.SlotID, authBlob []byte) (<-chan driver.Event, error) {
	token := strings.TrimSpace(string(authBlob))
	if token == "" {
		return nil, driver.Errf(driver.KindAuthRejected, Name, "connect", errors.New("no bot token for slot"))
	}

	// NewBot performs getMe, which validates the token.
	bot, err := d.newBot(token)
	if err != nil {
		kind := driver.KindUnreachable
		if strings.Contains(err.Error(), "401") || strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
			kind = driver.KindAuthRejected
		}
		return nil, driver.Errf(kind, Name, "connect", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{bot: bot, events: make(chan driver.Event, 4), cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.sessions[id]; ok {
		prev.cancel()
	}
	d.sessions[id] = s
	d.mu.Unlock()

	identity := token
	if bot.Me != nil && bot.Me.Username != "" {
		identity = "@" + bot.Me.Username
	}
	go func() {
		defer close(s.events)
		s.events <- driver.Event{Type: driver.EventAuthenticated, Identity: identity}
		<-sctx.Done()
	}()
	return s.events, nil
}

func (d *Driver) Send(ctx context.Context, id driver.SlotID, recipient string, payload []byte) (driver.Result, error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return driver.Result{}, driver.Errf(driver.KindUnreachable, Name, "send", errors.New("slot not connected"))
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return driver.Result{}, driver.Errf(driver.KindUnknown, Name, "send", err)
	}

	msg, err := s.bot.Send(&tele.Chat{ID: chatID}, string(payload))
	if err != nil {
		return driver.Result{}, classifySendErr(err)
	}
	return driver.Result{MessageID: strconv.Itoa(msg.ID), At: time.Now()}, nil
}

func classifySendErr(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		e := driver.Errf(driver.KindRateLimited, Name, "send", err)
		e.After = time.Duration(flood.RetryAfter) * time.Second
		return e
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return driver.Errf(driver.KindAuthRejected, Name, "send", err)
	}
	return driver.Errf(driver.KindUnreachable, Name, "send", err)
}

func (d *Driver) Disconnect(ctx context.Context, id driver.SlotID) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		s.cancel()
	}
	return nil
}
