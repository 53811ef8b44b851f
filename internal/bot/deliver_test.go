package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"moyubot/internal/caption"
	"moyubot/internal/history"
	"moyubot/internal/holiday"
	logx "moyubot/pkg/logx"
)

type fakeImages struct {
	path string
	err  error
}

func (f *fakeImages) Get(ctx context.Context) (string, error) { return f.path, f.err }

type fakeHolidays struct {
	cd holiday.Countdown
	ok bool
}

func (f *fakeHolidays) Next(ctx context.Context, now time.Time) (holiday.Countdown, bool) {
	return f.cd, f.ok
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []history.Record
}

func (f *fakeHistory) Append(ctx context.Context, r history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, r)
	return nil
}

type sentPhoto struct {
	chatID  int64
	path    string
	caption string
}

func newTestDeliverer(t *testing.T, cfg DelivererConfig, images ImageSource, holidays HolidaySource, hist HistoryAppender) (*Deliverer, *[]sentPhoto) {
	t.Helper()
	cfg.SendRatePerSec = 1000 // keep tests fast
	rot := caption.New([]caption.Template{{Name: "plain", Format: "Current time: {time}"}}, logx.Nop())
	d := NewDeliverer(cfg, images, rot, holidays, hist, logx.Nop())
	d.now = func() time.Time { return time.Date(2026, 8, 29, 9, 30, 0, 0, time.UTC) }

	var sent []sentPhoto
	d.send = func(chatID int64, path, cap string) error {
		sent = append(sent, sentPhoto{chatID, path, cap})
		return nil
	}
	return d, &sent
}

func TestDeliverSendsImageWithCaption(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{}
	cfg := DelivererConfig{CaptionEnabled: true, HolidayCountdown: true, Location: time.UTC}
	d, sent := newTestDeliverer(t, cfg,
		&fakeImages{path: "/cache/moyu_x.jpg"},
		&fakeHolidays{cd: holiday.Countdown{Name: "National Day", Days: 33}, ok: true},
		hist)

	if err := d.Deliver(context.Background(), "12345"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d photos, want 1", len(*sent))
	}
	got := (*sent)[0]
	if got.chatID != 12345 || got.path != "/cache/moyu_x.jpg" {
		t.Fatalf("sent = %+v", got)
	}
	if !strings.Contains(got.caption, "Current time: 2026-08-29 09:30") {
		t.Fatalf("caption missing rendered time: %q", got.caption)
	}
	if !strings.Contains(got.caption, "33 days until National Day") {
		t.Fatalf("caption missing countdown: %q", got.caption)
	}
	if len(hist.recs) != 1 || !hist.recs[0].OK || hist.recs[0].Kind != history.KindSchedule {
		t.Fatalf("history = %+v", hist.recs)
	}
}

func TestDeliverCaptionDisabled(t *testing.T) {
	t.Parallel()
	d, sent := newTestDeliverer(t, DelivererConfig{Location: time.UTC},
		&fakeImages{path: "/cache/a.jpg"}, nil, nil)

	if err := d.Deliver(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if got := (*sent)[0].caption; got != "" {
		t.Fatalf("caption = %q, want empty", got)
	}
}

func TestDeliverImageFailureIsRecorded(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{}
	d, sent := newTestDeliverer(t, DelivererConfig{Location: time.UTC},
		&fakeImages{err: errors.New("all sources down")}, nil, hist)

	err := d.Deliver(context.Background(), "7")
	if err == nil || !strings.Contains(err.Error(), "all sources down") {
		t.Fatalf("err = %v", err)
	}
	if len(*sent) != 0 {
		t.Fatal("photo sent despite missing image")
	}
	if len(hist.recs) != 1 || hist.recs[0].OK || hist.recs[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", hist.recs)
	}
}

func TestDeliverSendFailureIsRecorded(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{}
	d, _ := newTestDeliverer(t, DelivererConfig{Location: time.UTC},
		&fakeImages{path: "/cache/a.jpg"}, nil, hist)
	d.send = func(int64, string, string) error { return errors.New("403 forbidden") }

	if err := d.Deliver(context.Background(), "7"); err == nil {
		t.Fatal("send failure swallowed")
	}
	if len(hist.recs) != 1 || hist.recs[0].OK {
		t.Fatalf("failure not recorded: %+v", hist.recs)
	}
}

func TestDeliverRejectsBadChatID(t *testing.T) {
	t.Parallel()
	d, _ := newTestDeliverer(t, DelivererConfig{Location: time.UTC},
		&fakeImages{path: "/cache/a.jpg"}, nil, nil)
	if err := d.Deliver(context.Background(), "not-a-chat"); err == nil {
		t.Fatal("bad chat id accepted")
	}
}

func TestDeliverManualUsesManualKind(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{}
	d, _ := newTestDeliverer(t, DelivererConfig{Location: time.UTC},
		&fakeImages{path: "/cache/a.jpg"}, nil, hist)

	if err := d.DeliverManual(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if hist.recs[0].Kind != history.KindManual {
		t.Fatalf("kind = %q, want manual", hist.recs[0].Kind)
	}
}

func TestFormatCountdown(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cd   holiday.Countdown
		want string
	}{
		{holiday.Countdown{Name: "Labour Day", IsToday: true}, "Today is a holiday: Labour Day"},
		{holiday.Countdown{Name: "Labour Day", Days: 1}, "Labour Day is tomorrow"},
		{holiday.Countdown{Name: "Labour Day", Days: 12}, "12 days until Labour Day"},
	}
	for _, tc := range cases {
		if got := formatCountdown(tc.cd); got != tc.want {
			t.Fatalf("formatCountdown(%+v) = %q, want %q", tc.cd, got, tc.want)
		}
	}
}
