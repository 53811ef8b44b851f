// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"moyubot/internal/bot"
	"moyubot/internal/caption"
	"moyubot/internal/config"
	"moyubot/internal/history"
	"moyubot/internal/holiday"
	"moyubot/internal/imagecache"
	"moyubot/internal/scheduler"
	"moyubot/internal/settings"
	logx "moyubot/pkg/logx"
)

const (
	defaultMaintenanceCron = "30 3 * * *"
	defaultRetention       = 30 * 24 * time.Hour
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *settings.Store
	images   *imagecache.Manager
	holidays *holiday.Fetcher
	hist     *history.Store
	dlv      *bot.Deliverer
	sched    *scheduler.Service
	tg       *bot.Bot
	cron     *cron.Cron

	cfgCh  chan *config.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	loc := cfg.Location()

	store := settings.New(cfg.Settings.Path, log.With(logx.String("svc", "settings")))
	if err := store.Load(); err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}

	reqTimeout, _ := config.ParseDurationOrDefault("calendar.request_timeout", cfg.Calendar.RequestTimeout, 10*time.Second)
	images := imagecache.New(imagecache.Config{
		Dir:            cfg.Calendar.CacheDir,
		Endpoints:      cfg.Calendar.Endpoints,
		RequestTimeout: reqTimeout,
		MinBytes:       int64(cfg.Calendar.MinBytes),
	}, log.With(logx.String("svc", "imagecache")))

	holTTL, _ := config.ParseDurationField("holiday.cache_ttl", cfg.Holiday.CacheTTL)
	holDir := strings.TrimSpace(cfg.Holiday.CacheDir)
	if holDir == "" {
		holDir = cfg.Calendar.CacheDir
	}
	holidays := holiday.New(holiday.Config{
		CacheDir:    holDir,
		URLTemplate: cfg.Holiday.URLTemplate,
		CacheTTL:    holTTL,
	}, log.With(logx.String("svc", "holiday")))

	var hist *history.Store
	if cfg.History != nil {
		hist, err = history.Open(cfg.History.Path, log.With(logx.String("svc", "history")))
		if err != nil {
			// Delivery must not depend on the log store.
			log.Warn("delivery history disabled", logx.Err(err))
			hist = nil
		}
	}

	// Keep the optional history store out of the interfaces when absent, so
	// nil checks downstream see a nil interface rather than a typed nil.
	var appender bot.HistoryAppender
	var reader bot.HistoryReader
	if hist != nil {
		appender, reader = hist, hist
	}

	dlv := bot.NewDeliverer(bot.DelivererConfig{
		CaptionEnabled:   cfg.Caption.Enabled,
		HolidayCountdown: cfg.Caption.HolidayCountdown,
		SendRatePerSec:   cfg.Telegram.SendRatePerSec,
		Location:         loc,
	}, images, newRotator(cfg, log), holidays, appender, log.With(logx.String("svc", "deliver")))

	sched := scheduler.New(store, dlv, loc, log.With(logx.String("svc", "scheduler")))

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	tg, err := bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Location:    loc,
	}, store, sched, dlv, reader, log.With(logx.String("svc", "telegram")))
	if err != nil {
		_ = hist.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	return &App{
		cfgMgr:   cfgMgr,
		logSvc:   logSvc,
		log:      log.With(logx.String("svc", "app")),
		store:    store,
		images:   images,
		holidays: holidays,
		hist:     hist,
		dlv:      dlv,
		sched:    sched,
		tg:       tg,
		cron:     cron.New(cron.WithLocation(loc)),
	}, nil
}

func newRotator(cfg *config.Config, log logx.Logger) *caption.Rotator {
	tpls := make([]caption.Template, 0, len(cfg.Caption.Templates))
	for _, t := range cfg.Caption.Templates {
		tpls = append(tpls, caption.Template{Name: t.Name, Format: t.Format})
	}
	return caption.New(tpls, log.With(logx.String("svc", "caption")))
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.sched.Recompute()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sched.Run(rctx)
	}()

	a.tg.Start(rctx)

	if err := a.registerMaintenance(); err != nil {
		a.log.Warn("maintenance schedule disabled", logx.Err(err))
	} else {
		a.cron.Start()
	}

	a.cfgCh = a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(rctx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(rctx)
	}()

	a.log.Info("started",
		logx.Int("scheduled_chats", len(a.store.Times())),
		logx.String("timezone", a.cfgMgr.Get().Location().String()))
	return nil
}

func (a *App) registerMaintenance() error {
	spec := strings.TrimSpace(a.cfgMgr.Get().Maintenance.Cron)
	if spec == "" {
		spec = defaultMaintenanceCron
	}
	_, err := a.cron.AddFunc(spec, a.maintain)
	return err
}

// maintain runs the nightly housekeeping pass: drop superseded cache files,
// prune old delivery history, pre-warm holiday data, and re-anchor the
// schedule so zone rule changes cannot leave stale firing instants around.
func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if removed, err := a.images.Sweep(); err != nil {
		a.log.Warn("cache sweep failed", logx.Err(err))
	} else if removed > 0 {
		a.log.Info("cache swept", logx.Int("removed", removed))
	}

	retention := defaultRetention
	if h := a.cfgMgr.Get().History; h != nil {
		if d, err := config.ParseDurationOrDefault("history.retention", h.Retention, defaultRetention); err == nil {
			retention = d
		}
	}
	if n, err := a.hist.Prune(ctx, retention); err != nil {
		a.log.Warn("history prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("history pruned", logx.Int64("removed", n))
	}

	if err := a.holidays.Refresh(ctx); err != nil {
		a.log.Warn("holiday refresh failed", logx.Err(err))
	}

	a.sched.Recompute()
	a.sched.Wake()
}

// reloadLoop applies hot-reloadable config sections. Logging and captions
// take effect immediately; transport and storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	var prev *config.Config
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			if prev != nil {
				a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
			}
			prev = cfg

			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.dlv.UpdateCaptions(newRotator(cfg, a.log), cfg.Caption.Enabled, cfg.Caption.HolidayCountdown)

			for _, section := range changed {
				switch section {
				case "telegram", "settings", "calendar", "history", "maintenance", "timezone":
					a.log.Warn("config section needs restart to apply", logx.String("section", section))
				}
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		a.log.Warn("maintenance job still running at shutdown")
	}

	err := a.tg.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	if cerr := a.hist.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
	return err
}
