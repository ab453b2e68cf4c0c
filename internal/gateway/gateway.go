package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/linarealestate/linabot/internal/assistant"
	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/channel"
	"github.com/linarealestate/linabot/internal/config"
	"github.com/linarealestate/linabot/internal/cron"
	"github.com/linarealestate/linabot/internal/lead"
	"github.com/linarealestate/linabot/internal/memory"
	"github.com/linarealestate/linabot/internal/persona"
	"github.com/linarealestate/linabot/internal/reply"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Options for creating a Gateway
type Options struct {
	// ProviderFactory replaces the agentsdk-go providers (tests).
	ProviderFactory reply.ProviderFactory
	// Notifiers replaces the notifiers built from config when non-nil.
	Notifiers []lead.Notifier
	// ModelLister enables model discovery with a custom source.
	ModelLister reply.ModelLister
	Persona     *persona.Persona
	HTTPClient  *http.Client
	SignalChan  chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	assistant  *assistant.Assistant
	generator  *reply.Generator
	dispatcher *lead.Dispatcher
	channels   *channel.ChannelManager
	cron       *cron.Service
	lanes      *Lanes
	lister     reply.ModelLister
	httpClient *http.Client
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		httpClient: opts.HTTPClient,
		signalChan: opts.SignalChan,
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: keepAliveTimeout}
	}

	p := opts.Persona
	if p == nil {
		var err error
		p, err = persona.Load(cfg.Assistant.PersonaPath)
		if err != nil {
			return nil, fmt.Errorf("load persona: %w", err)
		}
	}

	g.generator = reply.NewGenerator(reply.EndpointsFromConfig(cfg), reply.Options{
		MaxTokens:      cfg.Assistant.MaxTokens,
		Temperature:    cfg.Assistant.Temperature,
		RequestTimeout: time.Duration(cfg.Assistant.RequestTimeout) * time.Second,
		Sticky:         cfg.Assistant.StickyEndpoint,
		Markers:        cfg.Assistant.ThoughtMarkers,
		Fallback:       p.FallbackReply,
		NewProvider:    opts.ProviderFactory,
	})
	if !g.generator.Configured() {
		log.Printf("[gateway] no model endpoint has an API key; customers get the unconfigured reply")
	}

	g.lister = opts.ModelLister
	if g.lister == nil && cfg.Assistant.DiscoverModels {
		g.lister, _ = reply.DiscoveryLister(g.generator.Endpoints())
	}

	detector, err := lead.NewDetector(cfg.Lead.Pattern)
	if err != nil {
		return nil, err
	}
	// customers quoting the office number back are not leads
	detector.Ignore(p.OfficePhone)

	mem := memory.NewStore(cfg.Assistant.HistoryCap)

	chMgr, err := channel.NewChannelManager(cfg.Channels, channel.ManagerOptions{
		WebChat: channel.WebChatOptions{
			Host:          cfg.Gateway.Host,
			Port:          cfg.Gateway.Port,
			Greeting:      p.Greeting,
			Fallback:      p.FallbackReply,
			WaitTimeout:   time.Duration(cfg.Assistant.ReplyWaitTimeout) * time.Second,
			Conversations: mem.Len,
		},
		LeadFilter: detector.Matches,
	}, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	notifiers := opts.Notifiers
	if notifiers == nil {
		notifiers = buildNotifiers(cfg)
	}
	g.dispatcher = lead.NewDispatcher(notifiers, lead.DispatcherOptions{
		Workers:   cfg.Lead.Workers,
		QueueSize: cfg.Lead.QueueSize,
		Timeout:   time.Duration(cfg.Lead.NotifyTimeout) * time.Second,
	})
	log.Printf("[gateway] lead notifiers: %v", g.dispatcher.Notifiers())

	g.assistant = assistant.New(assistant.Options{
		Memory:        mem,
		Generator:     g.generator,
		Leads:         lead.NewService(detector, g.dispatcher),
		Persona:       p,
		Qualification: cfg.Assistant.Qualification,
	})

	g.cron = cron.NewService()
	g.cron.OnJob = g.onJob

	return g, nil
}

// buildNotifiers returns the operator notifiers the config enables. A
// notifier that cannot be built is skipped so leads still reach the log.
func buildNotifiers(cfg *config.Config) []lead.Notifier {
	var out []lead.Notifier
	if tg := cfg.Notify.Telegram; tg.Enabled {
		n, err := lead.NewTelegramNotifier(cfg.NotifyToken(), tg.ChatID)
		if err != nil {
			log.Printf("[gateway] telegram notifier disabled: %v", err)
		} else {
			out = append(out, n)
		}
	}
	if tw := cfg.Notify.Twilio; tw.Enabled {
		n, err := lead.NewTwilioNotifier(tw.AccountSID, tw.AuthToken, tw.From, tw.To)
		if err != nil {
			log.Printf("[gateway] twilio notifier disabled: %v", err)
		} else {
			out = append(out, n)
		}
	}
	return out
}

// Assistant exposes the reply loop for the local chat command.
func (g *Gateway) Assistant() *assistant.Assistant {
	return g.assistant
}

func (g *Gateway) Generator() *reply.Generator {
	return g.generator
}

func (g *Gateway) Channels() []string {
	return g.channels.EnabledChannels()
}

// Discover narrows the endpoint list to models the provider lists. It is a
// no-op unless discovery is enabled.
func (g *Gateway) Discover(ctx context.Context) {
	if g.lister != nil {
		reply.Discover(ctx, g.generator, g.lister)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.lanes = NewLanes(ctx, g.cfg.Gateway.MaxConcurrent, defaultLaneQueue,
		time.Duration(g.cfg.Gateway.LaneIdleSec)*time.Second)

	g.Discover(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.registerJobs(); err != nil {
		log.Printf("[gateway] cron job warning: %v", err)
	}
	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.bus.DispatchOutbound(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.processLoop(egCtx)
		return nil
	})
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Printf("[gateway] received %v, shutting down...", sig)
		case <-egCtx.Done():
		}
		cancel()
		return nil
	})

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
	err := eg.Wait()
	return errors.Join(err, g.Shutdown())
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.submit(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// submit hands msg to its conversation lane without waiting for the reply.
func (g *Gateway) submit(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

	err := g.lanes.Submit(key, func(ctx context.Context) {
		g.handle(ctx, msg)
	})
	if err == nil {
		return
	}
	log.Printf("[gateway] dropping message for %s: %v", key, err)
	if msg.ReplyTo != "" {
		g.respond(ctx, msg, g.assistant.Persona().FallbackReply)
	}
}

// handle runs the assistant for one message. A message that carries a
// ReplyTo always gets an answer because a caller is waiting on it.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	text, ok := g.assistant.Handle(ctx, msg)
	if !ok || strings.TrimSpace(text) == "" {
		if msg.ReplyTo == "" {
			return
		}
		text = g.assistant.Persona().FallbackReply
	}
	g.respond(ctx, msg, text)
}

func (g *Gateway) respond(ctx context.Context, msg bus.InboundMessage, text string) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
		ReplyTo: msg.ReplyTo,
	}
	// group replies quote the message they answer
	if msg.ChatType == bus.ChatGroup || msg.ChatType == bus.ChatSupergroup {
		if id, ok := msg.Metadata["message_id"]; ok {
			out.Metadata = map[string]any{"message_id": id}
		}
	}
	if err := g.bus.PublishOutbound(ctx, out); err != nil {
		log.Printf("[gateway] outbound to %s/%s dropped: %v", msg.Channel, msg.ChatID, err)
	}
}

// Shutdown stops intake first and then drains queued lead notifications.
func (g *Gateway) Shutdown() error {
	_ = g.channels.StopAll()
	g.cron.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if g.lanes != nil {
		if err := g.lanes.Wait(ctx); err != nil {
			log.Printf("[gateway] conversation lanes still busy: %v", err)
		}
	}
	if err := g.dispatcher.Close(ctx); err != nil {
		log.Printf("[gateway] lead notifications not drained: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
