package bus

import (
	"time"
)

// CommandReset asks the assistant to forget the conversation.
const CommandReset = "reset"

// Chat types as reported by the channels.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatWeb        = "web"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	ChatType  string
	Content   string
	Command   string // empty for plain text
	LeadOnly  bool   // scan for a phone number, do not reply
	ReplyTo   string // request id a synchronous channel waits on
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey identifies the conversation: one per channel and chat.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
