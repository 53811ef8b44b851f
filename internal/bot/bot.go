// Package bot hosts the Telegram transport and the chat command surface.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"moyubot/internal/history"
	"moyubot/internal/settings"
	logx "moyubot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Location is the zone used for display and schedule interpretation.
	Location *time.Location
}

// Schedule is the slice of the scheduler the command surface needs.
type Schedule interface {
	Recompute()
	Wake()
	Remove(chat string) bool
	NextFor(chat string) (time.Time, bool)
}

// Settings is the slice of the config store the command surface needs.
type Settings interface {
	SetTime(chat, value string) error
	ClearTime(chat string) error
	Time(chat string) (string, bool)
	Times() []settings.TimeEntry
}

// HistoryReader exposes recent delivery attempts for /history.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]history.Record, error)
}

type Bot struct {
	cfg   Config
	log   logx.Logger
	tb    *tele.Bot
	store Settings
	sched Schedule
	dlv   *Deliverer
	hist  HistoryReader

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// stopOnce funnels every shutdown path into a single poller stop;
	// telebot's Stop blocks when the poller is already down.
	stopOnce sync.Once
	stopPoll func()
}

func New(cfg Config, store Settings, sched Schedule, dlv *Deliverer, hist HistoryReader, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{cfg: cfg, log: log, tb: tb, store: store, sched: sched, dlv: dlv, hist: hist}
	b.stopPoll = tb.Stop
	if dlv != nil {
		dlv.send = b.sendPhoto
	}
	b.registerHandlers()
	return b, nil
}

// Start begins long polling. It returns immediately; polling runs until the
// context is cancelled or Stop is called.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runWG.Add(1)
	b.runMu.Unlock()

	if err := b.tb.SetCommands(menuCommands); err != nil {
		b.log.Warn("set menu commands failed", logx.Err(err))
	}

	go func() {
		defer b.runWG.Done()
		go func() {
			<-rctx.Done()
			b.stopPoller()
		}()
		b.log.Info("polling started")
		b.tb.Start() // blocks until Stop
	}()
}

// Stop shuts polling down, bounded by ctx and a short grace window so a
// pending long-poll cannot stall shutdown.
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
	go b.stopPoller()

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

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
		b.log.Warn("stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (b *Bot) stopPoller() {
	b.stopOnce.Do(func() {
		if b.stopPoll != nil {
			b.stopPoll()
		}
	})
}

func (b *Bot) sendPhoto(chatID int64, path, caption string) error {
	photo := &tele.Photo{File: tele.FromDisk(path), Caption: caption}
	_, err := b.tb.Send(&tele.Chat{ID: chatID}, photo)
	return err
}
