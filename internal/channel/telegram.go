package channel

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// LeadFilter reports whether text looks like it carries a phone number.
// Unaddressed group messages that pass it are still published as lead-only.
type LeadFilter func(text string) bool

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	synthetic  map[int64]bool
	leadFilter LeadFilter
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	synthetic := make(map[int64]bool, len(cfg.SyntheticSenders))
	for _, s := range cfg.SyntheticSenders {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid synthetic sender id %q: %w", s, err)
		}
		synthetic[id] = true
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		synthetic:   synthetic,
		botFactory:  factory,
	}
	return ch, nil
}

// SetLeadFilter enables lead-only publishing for unaddressed group messages.
func (t *TelegramChannel) SetLeadFilter(f LeadFilter) {
	t.leadFilter = f
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if t.synthetic[msg.From.ID] {
		return
	}
	if msg.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	inbound := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:  msg.Chat.Type,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
		},
	}

	self := t.self()
	if cmd, ok := t.command(msg, self.UserName); ok {
		if cmd == "" {
			return // command for another bot
		}
		inbound.Command = cmd
		inbound.Content = content
		t.publish(ctx, inbound)
		return
	}

	if isGroupChat(msg.Chat.Type) {
		if !isAddressed(msg, self) {
			if t.leadFilter != nil && t.leadFilter(content) {
				inbound.Content = content
				inbound.LeadOnly = true
				t.publish(ctx, inbound)
			}
			return
		}
		content = stripBotMention(content, self.UserName)
		if content == "" {
			return
		}
	}

	inbound.Content = content
	t.publish(ctx, inbound)
}

func (t *TelegramChannel) publish(ctx context.Context, msg bus.InboundMessage) {
	if err := t.bus.PublishInbound(ctx, msg); err != nil {
		log.Printf("[telegram] drop inbound from %s: %v", msg.ChatID, err)
	}
}

func (t *TelegramChannel) self() tgbotapi.User {
	if t.bot == nil {
		return tgbotapi.User{}
	}
	return t.bot.GetSelf()
}

// command maps /start and /new to a reset. ok is false for plain text and
// for commands the assistant does not handle; a command addressed to
// another bot yields ("", true).
func (t *TelegramChannel) command(msg *tgbotapi.Message, botUser string) (string, bool) {
	if !msg.IsCommand() {
		return "", false
	}
	withAt := msg.CommandWithAt()
	if i := strings.Index(withAt, "@"); i >= 0 {
		if botUser == "" || !strings.EqualFold(withAt[i+1:], botUser) {
			return "", true
		}
	}
	switch strings.ToLower(msg.Command()) {
	case "start", "new":
		return bus.CommandReset, true
	default:
		return "", false
	}
}

func isGroupChat(chatType string) bool {
	return chatType == bus.ChatGroup || chatType == bus.ChatSupergroup
}

// isAddressed reports whether a group message is meant for the bot: a
// reply to one of its messages, a mention entity, or a plain @username.
func isAddressed(msg *tgbotapi.Message, self tgbotapi.User) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && self.ID != 0 && msg.ReplyToMessage.From.ID == self.ID {
		return true
	}

	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	for _, e := range entities {
		switch e.Type {
		case "text_mention":
			if e.User != nil && self.ID != 0 && e.User.ID == self.ID {
				return true
			}
		case "mention":
			if self.UserName != "" && strings.EqualFold(sliceByUTF16(text, e.Offset, e.Length), "@"+self.UserName) {
				return true
			}
		}
	}

	// some clients omit entities
	return self.UserName != "" && strings.Contains(strings.ToLower(text), "@"+strings.ToLower(self.UserName))
}

func stripBotMention(text, botUser string) string {
	if botUser == "" {
		return strings.TrimSpace(text)
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botUser) + `\b`)
	text = re.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// sliceByUTF16 cuts s using Telegram's UTF-16 entity offsets.
func sliceByUTF16(s string, offset, length int) string {
	if offset < 0 || length <= 0 {
		return ""
	}
	start, end := -1, len(s)
	units := 0
	for i, r := range s {
		if units == offset {
			start = i
		}
		if units == offset+length {
			end = i
			break
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	if start < 0 || start > end {
		return ""
	}
	return s[start:end]
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	content := toTelegramHTML(msg.Content)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cut := strings.LastIndex(chunk[:maxLen], "\n")
			if cut <= 0 {
				cut = maxLen
				for cut > 0 && !utf8.RuneStart(chunk[cut]) {
					cut--
				}
			}
			chunk = chunk[:cut]
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if id, ok := msg.Metadata["message_id"].(int); ok && id > 0 {
			tgMsg.ReplyToMessageID = id
		}
		if _, err := t.bot.Send(tgMsg); err != nil {
			// retry this chunk as plain text
			tgMsg.ParseMode = ""
			tgMsg.Text = plainFromHTML(chunk)
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

var telegramTags = strings.NewReplacer("<b>", "", "</b>", "", "<i>", "", "</i>", "", "<code>", "", "</code>", "")

// plainFromHTML undoes toTelegramHTML for the plain-text retry.
func plainFromHTML(s string) string {
	return html.UnescapeString(telegramTags.Replace(s))
}

// toTelegramHTML converts the little markdown models produce to Telegram
// HTML: **bold**, *italic* and `code`.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "`", "<code>", "</code>")
	s = replacePairs(s, "**", "<b>", "</b>")
	s = replacePairs(s, "*", "<i>", "</i>")
	return s
}

func replacePairs(s, delim, open, closeTag string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		s = s[:start] + open + s[start+len(delim):end] + closeTag + s[end+len(delim):]
	}
}
