// Package caption picks the text sent alongside the daily calendar image.
package caption

import (
	"strings"
	"sync"
	"time"

	logx "moyubot/pkg/logx"
)

// Placeholder substituted with the delivery timestamp inside a template.
const Placeholder = "{time}"

const timeLayout = "2006-01-02 15:04"

// Template is one caption style: a display name plus a format string that
// must contain the {time} placeholder.
type Template struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Default is used when no valid templates are configured, so the rotator
// always has something to hand out.
var Default = Template{
	Name:   "default",
	Format: "Slacker calendar\nCurrent time: " + Placeholder,
}

// Rotator cycles deterministically through the configured templates,
// one per delivery. Safe for concurrent use.
type Rotator struct {
	mu   sync.Mutex
	tpls []Template
	next int
}

// New validates the configured templates once and keeps only the usable
// ones. An empty or fully-invalid list falls back to the single built-in
// default, so Next never returns a zero template.
func New(tpls []Template, log logx.Logger) *Rotator {
	if log.IsZero() {
		log = logx.Nop()
	}
	valid := make([]Template, 0, len(tpls))
	for _, tpl := range tpls {
		if strings.TrimSpace(tpl.Format) == "" {
			log.Warn("dropping caption template with empty format", logx.String("name", tpl.Name))
			continue
		}
		if !strings.Contains(tpl.Format, Placeholder) {
			log.Warn("dropping caption template without {time} placeholder", logx.String("name", tpl.Name))
			continue
		}
		valid = append(valid, tpl)
	}
	if len(valid) == 0 {
		log.Warn("no valid caption templates; using built-in default")
		valid = []Template{Default}
	}
	log.Info("caption templates loaded", logx.Int("count", len(valid)))
	return &Rotator{tpls: valid}
}

// Next returns the next template round-robin.
func (r *Rotator) Next() Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	tpl := r.tpls[r.next]
	r.next = (r.next + 1) % len(r.tpls)
	return tpl
}

// Render substitutes the delivery timestamp into a template. A format whose
// placeholder went missing (e.g. after a config hot-reload race) falls back
// to the default wording rather than sending a stale literal.
func Render(tpl Template, now time.Time) string {
	ts := now.Format(timeLayout)
	if !strings.Contains(tpl.Format, Placeholder) {
		return strings.Replace(Default.Format, Placeholder, ts, 1)
	}
	return strings.ReplaceAll(tpl.Format, Placeholder, ts)
}
