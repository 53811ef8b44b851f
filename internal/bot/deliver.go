package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"moyubot/internal/caption"
	"moyubot/internal/history"
	"moyubot/internal/holiday"
	logx "moyubot/pkg/logx"
)

// ImageSource yields the current day's calendar image path.
type ImageSource interface {
	Get(ctx context.Context) (string, error)
}

// HolidaySource yields the countdown line appended to captions.
type HolidaySource interface {
	Next(ctx context.Context, now time.Time) (holiday.Countdown, bool)
}

// HistoryAppender records delivery attempts. A nil *history.Store satisfies
// it harmlessly.
type HistoryAppender interface {
	Append(ctx context.Context, r history.Record) error
}

type DelivererConfig struct {
	CaptionEnabled   bool
	HolidayCountdown bool
	// SendRatePerSec spaces out photo sends across chats. Zero means one
	// per second.
	SendRatePerSec float64
	Location       *time.Location
}

// Deliverer sends the daily calendar image to one chat. It is shared by the
// scheduler loop and the /execute_now command; a token-bucket limiter keeps
// same-minute firings from bursting into Telegram's flood limits.
type Deliverer struct {
	// capMu guards the caption state, which a config hot-reload may swap
	// while the scheduler loop is delivering.
	capMu    sync.Mutex
	cfg      DelivererConfig
	captions *caption.Rotator

	images   ImageSource
	holidays HolidaySource
	hist     HistoryAppender
	limiter  *rate.Limiter
	log      logx.Logger
	now      func() time.Time

	// send is injected by the Bot once the transport exists.
	send func(chatID int64, path, caption string) error
}

func NewDeliverer(cfg DelivererConfig, images ImageSource, captions *caption.Rotator, holidays HolidaySource, hist HistoryAppender, log logx.Logger) *Deliverer {
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{
		cfg:      cfg,
		images:   images,
		captions: captions,
		holidays: holidays,
		hist:     hist,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1),
		log:      log,
		now:      time.Now,
	}
}

// Deliver implements the scheduler's delivery hook.
func (d *Deliverer) Deliver(ctx context.Context, chat string) error {
	return d.deliver(ctx, chat, history.KindSchedule)
}

// DeliverManual serves /execute_now; it bypasses nothing except the name in
// the history log.
func (d *Deliverer) DeliverManual(ctx context.Context, chat string) error {
	return d.deliver(ctx, chat, history.KindManual)
}

func (d *Deliverer) deliver(ctx context.Context, chat, kind string) error {
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chat, err)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	path, err := d.images.Get(ctx)
	if err != nil {
		d.record(ctx, chat, kind, "", "", false, err)
		return fmt.Errorf("calendar image unavailable: %w", err)
	}

	text, tplName := d.buildCaption(ctx)
	if d.send == nil {
		return fmt.Errorf("deliverer has no transport")
	}
	if err := d.send(chatID, path, text); err != nil {
		d.record(ctx, chat, kind, tplName, path, false, err)
		return err
	}
	d.record(ctx, chat, kind, tplName, path, true, nil)
	d.log.Info("calendar delivered",
		logx.String("chat", chat), logx.String("kind", kind), logx.String("image", path))
	return nil
}

// UpdateCaptions swaps the caption configuration after a config hot-reload.
func (d *Deliverer) UpdateCaptions(rot *caption.Rotator, enabled, countdown bool) {
	d.capMu.Lock()
	d.captions = rot
	d.cfg.CaptionEnabled = enabled
	d.cfg.HolidayCountdown = countdown
	d.capMu.Unlock()
}

func (d *Deliverer) buildCaption(ctx context.Context) (text, tplName string) {
	d.capMu.Lock()
	rot := d.captions
	enabled := d.cfg.CaptionEnabled
	countdown := d.cfg.HolidayCountdown
	d.capMu.Unlock()

	if !enabled || rot == nil {
		return "", ""
	}
	now := d.now().In(d.cfg.Location)
	tpl := rot.Next()
	text = caption.Render(tpl, now)
	if countdown && d.holidays != nil {
		if cd, ok := d.holidays.Next(ctx, now); ok {
			text += "\n" + formatCountdown(cd)
		}
	}
	return text, tpl.Name
}

func formatCountdown(cd holiday.Countdown) string {
	switch {
	case cd.IsToday:
		return fmt.Sprintf("Today is a holiday: %s", cd.Name)
	case cd.Days == 1:
		return fmt.Sprintf("%s is tomorrow", cd.Name)
	default:
		return fmt.Sprintf("%d days until %s", cd.Days, cd.Name)
	}
}

func (d *Deliverer) record(ctx context.Context, chat, kind, tpl, image string, ok bool, sendErr error) {
	if d.hist == nil {
		return
	}
	r := history.Record{
		At:        d.now(),
		Chat:      chat,
		Kind:      kind,
		Template:  tpl,
		ImagePath: image,
		OK:        ok,
	}
	if sendErr != nil {
		r.Error = sendErr.Error()
	}
	if err := d.hist.Append(ctx, r); err != nil {
		d.log.Warn("history append failed", logx.Err(err))
	}
}
