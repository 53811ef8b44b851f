package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"moyubot/internal/settings"
	logx "moyubot/pkg/logx"
)

var menuCommands = []tele.Command{
	{Text: "set_time", Description: "Set this chat's daily calendar time (HH:MM)"},
	{Text: "clear_time", Description: "Stop daily calendar delivery for this chat"},
	{Text: "next_time", Description: "Show when the next delivery fires"},
	{Text: "list_time", Description: "List all chats with a scheduled time"},
	{Text: "execute_now", Description: "Send the calendar image right away"},
	{Text: "history", Description: "Show recent delivery attempts"},
	{Text: "moyu_help", Description: "Show usage help"},
}

const helpText = `Daily slacker-calendar bot.

/set_time HH:MM  schedule a daily calendar image for this chat
/clear_time      remove this chat's schedule
/next_time       show the next firing time
/list_time       list every chat with a schedule
/execute_now     deliver immediately without touching the schedule
/history         recent delivery attempts
/moyu_help       this message

Times use 24-hour clock, e.g. /set_time 09:30 or /set_time 0930.
In groups, scheduling commands are limited to administrators.`

func (b *Bot) registerHandlers() {
	b.tb.Handle("/set_time", b.adminOnly(b.handleSetTime))
	b.tb.Handle("/clear_time", b.adminOnly(b.handleClearTime))
	b.tb.Handle("/execute_now", b.adminOnly(b.handleExecuteNow))
	b.tb.Handle("/next_time", b.handleNextTime)
	b.tb.Handle("/list_time", b.handleListTime)
	b.tb.Handle("/history", b.handleHistory)
	b.tb.Handle("/moyu_help", func(c tele.Context) error { return c.Reply(helpText) })
	b.tb.Handle("/start", func(c tele.Context) error { return c.Reply(helpText) })
}

// adminOnly gates mutating commands. Private chats always pass; in groups
// the sender must be the creator or an administrator. A failed membership
// lookup denies, never grants.
func (b *Bot) adminOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat, sender := c.Chat(), c.Sender()
		if chat == nil || sender == nil {
			return nil
		}
		if chat.Type == tele.ChatPrivate {
			return next(c)
		}
		member, err := b.tb.ChatMemberOf(chat, sender)
		if err != nil {
			b.log.Warn("membership lookup failed",
				logx.Int64("chat", chat.ID), logx.Int64("user", sender.ID), logx.Err(err))
			return c.Reply("Could not verify permissions; try again later.")
		}
		if member.Role != tele.Creator && member.Role != tele.Administrator {
			return c.Reply("Only group administrators can change the schedule.")
		}
		return next(c)
	}
}

func (b *Bot) handleSetTime(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /set_time HH:MM (e.g. /set_time 09:30)")
	}
	normalized, err := settings.NormalizeTime(args[0])
	if err != nil {
		return c.Reply(fmt.Sprintf("Invalid time %q: use 24-hour HH:MM.", args[0]))
	}

	key := chatKey(c.Chat())
	if err := b.store.SetTime(key, normalized); err != nil {
		b.log.Error("set_time save failed", logx.String("chat", key), logx.Err(err))
		return c.Reply("Saving the schedule failed; nothing was changed.")
	}
	b.sched.Recompute()
	b.sched.Wake()

	reply := fmt.Sprintf("Daily calendar set to %s.", normalized)
	if next, ok := b.sched.NextFor(key); ok {
		reply += fmt.Sprintf(" Next delivery: %s.", b.formatTime(next))
	}
	b.log.Info("schedule updated", logx.String("chat", key), logx.String("time", normalized))
	return c.Reply(reply)
}

func (b *Bot) handleClearTime(c tele.Context) error {
	key := chatKey(c.Chat())
	if _, ok := b.store.Time(key); !ok {
		return c.Reply("This chat has no scheduled time.")
	}
	if err := b.store.ClearTime(key); err != nil {
		b.log.Error("clear_time save failed", logx.String("chat", key), logx.Err(err))
		return c.Reply("Clearing the schedule failed; nothing was changed.")
	}
	b.sched.Remove(key)
	b.sched.Wake()
	b.log.Info("schedule cleared", logx.String("chat", key))
	return c.Reply("Daily calendar delivery stopped for this chat.")
}

func (b *Bot) handleNextTime(c tele.Context) error {
	key := chatKey(c.Chat())
	hhmm, ok := b.store.Time(key)
	if !ok {
		return c.Reply("This chat has no scheduled time. Use /set_time HH:MM.")
	}
	if next, ok := b.sched.NextFor(key); ok {
		return c.Reply(fmt.Sprintf("Scheduled daily at %s. Next delivery: %s.", hhmm, b.formatTime(next)))
	}
	return c.Reply(fmt.Sprintf("Scheduled daily at %s.", hhmm))
}

func (b *Bot) handleListTime(c tele.Context) error {
	entries := b.store.Times()
	if len(entries) == 0 {
		return c.Reply("No chats have a scheduled time.")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d chat(s) scheduled:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "  %s at %s\n", e.Chat, e.Time)
	}
	return c.Reply(strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleExecuteNow(c tele.Context) error {
	if b.dlv == nil {
		return c.Reply("Delivery is not configured.")
	}
	key := chatKey(c.Chat())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := b.dlv.DeliverManual(ctx, key); err != nil {
		// Details go to the log only; the chat gets a fixed message.
		b.log.Warn("manual delivery failed", logx.String("chat", key), logx.Err(err))
		return c.Reply("Delivery failed; try again later.")
	}
	return nil
}

func (b *Bot) handleHistory(c tele.Context) error {
	if b.hist == nil {
		return c.Reply("Delivery history is not enabled.")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs, err := b.hist.Recent(ctx, 10)
	if err != nil {
		b.log.Warn("history query failed", logx.Err(err))
		return c.Reply("Could not read delivery history.")
	}
	if len(recs) == 0 {
		return c.Reply("No deliveries recorded yet.")
	}
	var sb strings.Builder
	sb.WriteString("Recent deliveries:\n")
	for _, r := range recs {
		status := "ok"
		if !r.OK {
			status = "failed"
			if r.Error != "" {
				status += ": " + r.Error
			}
		}
		fmt.Fprintf(&sb, "  %s %s %s (%s)\n",
			r.At.In(b.cfg.Location).Format("01-02 15:04"), r.Chat, r.Kind, status)
	}
	return c.Reply(strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) formatTime(t time.Time) string {
	return t.In(b.cfg.Location).Format("2006-01-02 15:04")
}

func chatKey(chat *tele.Chat) string {
	if chat == nil {
		return ""
	}
	return strconv.FormatInt(chat.ID, 10)
}
