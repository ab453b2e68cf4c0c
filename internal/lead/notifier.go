package lead

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
)

const timeLayout = "2006-01-02 15:04:05"

// Notifier delivers a lead to an operator.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, l Lead) error
}

// FormatText renders a lead as plain text for SMS and WhatsApp.
func FormatText(l Lead) string {
	var b strings.Builder
	b.WriteString("🔔 ליד חדש!\n")
	fmt.Fprintf(&b, "טלפון: %s\n", l.Phone)
	fmt.Fprintf(&b, "שיחה: %s\n", l.ConversationKey)
	fmt.Fprintf(&b, "הודעה: %s\n", l.RawText)
	fmt.Fprintf(&b, "זמן: %s", l.Timestamp.Format(timeLayout))
	return b.String()
}

// FormatHTML renders a lead for Telegram's HTML parse mode.
func FormatHTML(l Lead) string {
	var b strings.Builder
	b.WriteString("🔔 <b>ליד חדש!</b>\n")
	fmt.Fprintf(&b, "<b>טלפון:</b> <code>%s</code>\n", html.EscapeString(l.Phone))
	fmt.Fprintf(&b, "<b>שיחה:</b> %s\n", html.EscapeString(l.ConversationKey))
	fmt.Fprintf(&b, "<b>הודעה:</b> %s\n", html.EscapeString(l.RawText))
	fmt.Fprintf(&b, "<b>זמן:</b> %s", l.Timestamp.Format(timeLayout))
	return b.String()
}

// LogNotifier only writes the lead to the process log. It is used when no
// operator channel is configured.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, l Lead) error {
	log.Printf("[lead] %s phone=%s key=%s text=%q", l.ID, l.Digits, l.ConversationKey, l.RawText)
	return nil
}
