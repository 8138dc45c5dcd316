// Package telegram is the chat front end. It translates commands into engine
// calls, pushes job outcomes back to their owners and delivers broadcasts.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"genbot/internal/core"
	"genbot/internal/eventbus"
	logx "genbot/pkg/logx"
)

type Config struct {
	Token        string
	AdminUserIDs []int64
	PollTimeout  time.Duration
}

type Bot struct {
	cfg    Config
	log    logx.Logger
	engine *core.Engine
	bus    eventbus.Bus

	bot    *tele.Bot
	admins map[int64]bool

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, engine *core.Engine, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	admins := make(map[int64]bool, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		admins[id] = true
	}
	return &Bot{cfg: cfg, log: log, engine: engine, bus: bus, bot: b, admins: admins}, nil
}

func (b *Bot) isAdmin(userID int64) bool { return b.admins[userID] }

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runMu.Unlock()

	b.registerHandlers()

	events, unsub := b.bus.Subscribe(64)
	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		defer unsub()
		b.consumeEvents(rctx, events)
	}()

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		go func() {
			<-rctx.Done()
			b.bot.Stop()
		}()
		b.log.Info("polling started")
		b.bot.Start() // blocks until Stop()
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go b.bot.Stop()

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// Send implements the broadcast sender. User IDs double as chat IDs for
// private chats.
func (b *Bot) Send(ctx context.Context, userID int64, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Send(&tele.Chat{ID: userID}, message)
	return err
}
