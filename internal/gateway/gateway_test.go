package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/config"
	"github.com/linarealestate/linabot/internal/cron"
	"github.com/linarealestate/linabot/internal/lead"
	"github.com/linarealestate/linabot/internal/persona"
	"github.com/linarealestate/linabot/internal/reply"
)

// echoModel replies "re: <last user message>" after an optional delay.
type echoModel struct {
	delay time.Duration
	err   error

	mu    sync.Mutex
	calls int
}

func (m *echoModel) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	last := req.Messages[len(req.Messages)-1].Content
	return &model.Response{Message: model.Message{Role: "assistant", Content: "re: " + last}}, nil
}

func (m *echoModel) CompleteStream(context.Context, model.Request, model.StreamHandler) error {
	return errors.New("not implemented")
}

func (m *echoModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fakeFactory(m model.Model) reply.ProviderFactory {
	return func(reply.Endpoint, int, float64) model.Provider {
		return model.ProviderFunc(func(context.Context) (model.Model, error) { return m, nil })
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	leads []lead.Lead
	got   chan struct{}
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, l lead.Lead) error {
	r.mu.Lock()
	r.leads = append(r.leads, l)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func testPersona() *persona.Persona {
	p := persona.Default()
	p.FallbackReply = "FALLBACK"
	p.UnconfiguredReply = "UNCONFIGURED"
	return p
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Endpoints = []config.EndpointConfig{{Name: "m0", Model: "m0"}, {Name: "m1", Model: "m1"}}
	cfg.Channels.WebChat.Enabled = false
	cfg.Channels.Telegram.Enabled = false
	cfg.Assistant.Qualification = false
	cfg.KeepAlive.URL = ""
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	if opts.Persona == nil {
		opts.Persona = testPersona()
	}
	if opts.Notifiers == nil {
		opts.Notifiers = []lead.Notifier{lead.LogNotifier{}}
	}
	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { g.Shutdown() })
	return g
}

// startLoop runs the intake loop the way Run does, without channels or
// signal handling.
func startLoop(t *testing.T, g *Gateway) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g.lanes = NewLanes(ctx, 4, defaultLaneQueue, time.Minute)
	go g.processLoop(ctx)
	t.Cleanup(cancel)
	return cancel
}

func nextOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case out := <-g.bus.Outbound:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("no outbound message")
		return bus.OutboundMessage{}
	}
}

func noOutbound(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case out := <-g.bus.Outbound:
		t.Errorf("unexpected outbound: %+v", out)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewWithOptions(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{})})

	if g.Assistant() == nil || g.Generator() == nil {
		t.Fatal("assistant and generator must be built")
	}
	if !g.Generator().Configured() {
		t.Error("generator should be configured with an API key")
	}
	if len(g.Channels()) != 0 {
		t.Errorf("channels = %v, want none", g.Channels())
	}
	if got := len(g.Generator().Endpoints()); got != 2 {
		t.Errorf("endpoints = %d, want 2", got)
	}
}

func TestNewWithOptions_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Lead.Pattern = `(\d`
	if _, err := NewWithOptions(cfg, Options{Persona: testPersona()}); err == nil {
		t.Error("expected error for invalid lead pattern")
	}

	cfg = testConfig()
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true}
	if _, err := NewWithOptions(cfg, Options{Persona: testPersona()}); err == nil {
		t.Error("expected error for telegram without token")
	}
}

func TestNewWithOptions_LoadsPersonaFile(t *testing.T) {
	path := t.TempDir() + "/PERSONA.md"
	content := "---\nname: Test Office\nfallback_reply: \"custom fallback\"\n---\nBe brief.\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Assistant.PersonaPath = path

	g, err := NewWithOptions(cfg, Options{Notifiers: []lead.Notifier{lead.LogNotifier{}}})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()
	if g.Assistant().Persona().FallbackReply != "custom fallback" {
		t.Errorf("fallback = %q", g.Assistant().Persona().FallbackReply)
	}
}

func TestGateway_ProcessLoop(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{})})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "7", ChatType: bus.ChatPrivate, Content: "hello",
		Metadata: map[string]any{"message_id": 9}}

	out := nextOutbound(t, g)
	if out.Channel != "telegram" || out.ChatID != "42" || out.Content != "re: hello" {
		t.Errorf("outbound = %+v", out)
	}
	if out.Metadata != nil {
		t.Errorf("private replies should not quote: %v", out.Metadata)
	}
}

func TestGateway_GroupReplyQuotesMessage(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{})})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "-100", ChatType: bus.ChatSupergroup, Content: "hi",
		Metadata: map[string]any{"message_id": 77}}

	out := nextOutbound(t, g)
	if out.Metadata["message_id"] != 77 {
		t.Errorf("metadata = %v", out.Metadata)
	}
}

func TestGateway_ReplyToAlwaysAnswered(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{})})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "webchat", ChatID: "u1", Content: "0541234567", LeadOnly: true, ReplyTo: "req-1"}
	out := nextOutbound(t, g)
	if out.ReplyTo != "req-1" || out.Content != "FALLBACK" {
		t.Errorf("outbound = %+v", out)
	}

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "-5", ChatType: bus.ChatGroup, Content: "0541234567", LeadOnly: true}
	noOutbound(t, g)
}

func TestGateway_ModelFailureFallsBack(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{err: errors.New("quota exceeded")})})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "webchat", ChatID: "u1", Content: "hello", ReplyTo: "r"}
	out := nextOutbound(t, g)
	if out.Content != "FALLBACK" || strings.Contains(out.Content, "quota") {
		t.Errorf("outbound = %+v", out)
	}
}

func TestGateway_Unconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.APIKey = ""
	g := newTestGateway(t, cfg, Options{})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "webchat", ChatID: "u1", Content: "hello", ReplyTo: "r"}
	if out := nextOutbound(t, g); out.Content != "UNCONFIGURED" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestGateway_OrderPerConversation(t *testing.T) {
	m := &echoModel{delay: 20 * time.Millisecond}
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(m)})
	startLoop(t, g)

	for _, text := range []string{"one", "two", "three"} {
		g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "42", Content: text}
	}
	for _, want := range []string{"re: one", "re: two", "re: three"} {
		if out := nextOutbound(t, g); out.Content != want {
			t.Errorf("content = %q, want %q", out.Content, want)
		}
	}

	turns := g.Assistant().Memory().Recent("telegram:42", 10)
	if len(turns) != 6 || turns[0].Text != "one" || turns[5].Text != "re: three" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestGateway_SlowConversationDoesNotBlockOthers(t *testing.T) {
	slow := &echoModel{delay: 500 * time.Millisecond}
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(slow)})
	startLoop(t, g)

	start := time.Now()
	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "a", Content: "x"}
	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "b", Content: "y"}
	nextOutbound(t, g)
	nextOutbound(t, g)
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("two conversations took %v, expected them to run in parallel", elapsed)
	}
}

func TestGateway_LeadNotification(t *testing.T) {
	rec := &recordingNotifier{got: make(chan struct{}, 1)}
	g := newTestGateway(t, testConfig(), Options{
		ProviderFactory: fakeFactory(&echoModel{}),
		Notifiers:       []lead.Notifier{rec},
	})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "42", Content: "תתקשרו אליי 054-1234567"}
	nextOutbound(t, g)

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("operator was not notified")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.leads[0].Digits != "0541234567" || rec.leads[0].ConversationKey != "telegram:42" {
		t.Errorf("lead = %+v", rec.leads[0])
	}
}

func TestGateway_OfficePhoneIsNotALead(t *testing.T) {
	rec := &recordingNotifier{got: make(chan struct{}, 1)}
	g := newTestGateway(t, testConfig(), Options{
		ProviderFactory: fakeFactory(&echoModel{}),
		Notifiers:       []lead.Notifier{rec},
	})
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "42", Content: "ניסיתי את 054-4326270 ואין מענה"}
	if out := nextOutbound(t, g); !strings.HasPrefix(out.Content, "re: ") {
		t.Errorf("reply = %q, want a model reply", out.Content)
	}

	select {
	case <-rec.got:
		t.Fatal("office number was sent to the operator")
	case <-time.After(200 * time.Millisecond):
	}
}

type staticLister []string

func (s staticLister) ListModels(context.Context) ([]string, error) { return s, nil }

func TestGateway_Discover(t *testing.T) {
	cfg := testConfig()
	g := newTestGateway(t, cfg, Options{
		ProviderFactory: fakeFactory(&echoModel{}),
		ModelLister:     staticLister{"models/m1"},
	})
	g.Discover(context.Background())

	eps := g.Generator().Endpoints()
	if len(eps) != 1 || eps[0].Model != "m1" {
		t.Errorf("endpoints = %v", eps)
	}

	// discovery disabled and no lister: nothing changes
	g2 := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{})})
	g2.Discover(context.Background())
	if len(g2.Generator().Endpoints()) != 2 {
		t.Error("endpoints changed without discovery")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAlive.URL = "http://127.0.0.1:1/"
	sigCh := make(chan os.Signal, 1)
	g := newTestGateway(t, cfg, Options{ProviderFactory: fakeFactory(&echoModel{}), SignalChan: sigCh})

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	// the gateway answers while running
	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "ping"}
	time.Sleep(50 * time.Millisecond)

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	names := map[string]bool{}
	for _, job := range g.cron.ListJobs() {
		names[job.Name] = true
	}
	if !names[keepAliveJobName] || !names[memoryStatsJobName] {
		t.Errorf("jobs = %v", names)
	}
}

func TestGateway_Run_ContextCancel(t *testing.T) {
	g := newTestGateway(t, testConfig(), Options{ProviderFactory: fakeFactory(&echoModel{}), SignalChan: make(chan os.Signal)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGateway_OnJob(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("LINA Real Estate bot is active"))
	}))
	defer srv.Close()

	g := newTestGateway(t, testConfig(), Options{HTTPClient: srv.Client()})
	ctx := context.Background()

	if _, err := g.onJob(ctx, cron.Job{Payload: cron.Payload{Action: cron.ActionKeepAlive, URL: srv.URL + "/"}}); err != nil {
		t.Errorf("keepalive: %v", err)
	}
	if _, err := g.onJob(ctx, cron.Job{Payload: cron.Payload{Action: cron.ActionKeepAlive, URL: srv.URL + "/down"}}); err == nil {
		t.Error("expected error for 502")
	}
	mu.Lock()
	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
	mu.Unlock()

	g.Assistant().Memory().Append("telegram:1", "user", "hi")
	out, err := g.onJob(ctx, cron.Job{Payload: cron.Payload{Action: cron.ActionMemoryStats}})
	if err != nil || !strings.HasPrefix(out, "1 conversations") {
		t.Errorf("memory stats = %q, %v", out, err)
	}

	if _, err := g.onJob(ctx, cron.Job{Payload: cron.Payload{Action: "reboot"}}); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestRegisterJobs(t *testing.T) {
	cfg := testConfig()
	g := newTestGateway(t, cfg, Options{})
	if err := g.registerJobs(); err != nil {
		t.Fatal(err)
	}
	if jobs := g.cron.ListJobs(); len(jobs) != 1 || jobs[0].Payload.Action != cron.ActionMemoryStats {
		t.Errorf("jobs without keepalive URL = %+v", jobs)
	}

	cfg = testConfig()
	cfg.KeepAlive = config.KeepAliveConfig{URL: "http://example.com", Schedule: "bad"}
	g = newTestGateway(t, cfg, Options{})
	if err := g.registerJobs(); err == nil {
		t.Error("expected error for invalid keepalive schedule")
	}
}

func TestBuildNotifiers(t *testing.T) {
	cfg := testConfig()
	if n := buildNotifiers(cfg); len(n) != 0 {
		t.Errorf("notifiers = %d, want 0", len(n))
	}

	cfg.Channels.Telegram.Token = "bot-token"
	cfg.Notify.Telegram = config.TelegramNotifyConfig{Enabled: true, ChatID: "123456"}
	cfg.Notify.Twilio = config.TwilioNotifyConfig{Enabled: true, AccountSID: "AC1", AuthToken: "t", From: "+15550000000", To: "+972541234567"}
	got := buildNotifiers(cfg)
	if len(got) != 2 || got[0].Name() != "telegram" || got[1].Name() != "twilio-sms" {
		t.Errorf("notifiers = %v", got)
	}

	cfg.Notify.Telegram.ChatID = "not-a-number"
	cfg.Notify.Twilio.AuthToken = ""
	if n := buildNotifiers(cfg); len(n) != 0 {
		t.Errorf("misconfigured notifiers should be skipped, got %d", len(n))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"שלום עולם", 4, "שלום..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}
