package assistant

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/lead"
	"github.com/linarealestate/linabot/internal/memory"
	"github.com/linarealestate/linabot/internal/persona"
	"github.com/linarealestate/linabot/internal/qualify"
)

type call struct {
	system  string
	history []memory.Turn
	text    string
}

type fakeGenerator struct {
	mu         sync.Mutex
	configured bool
	reply      string
	panicWith  any
	calls      []call
}

func (f *fakeGenerator) Configured() bool { return f.configured }

func (f *fakeGenerator) Generate(_ context.Context, system string, history []memory.Turn, text string) string {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{system: system, history: history, text: text})
	return f.reply
}

type fakeLeads struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeLeads) DetectAndNotify(key, text string) (lead.Lead, bool) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	phone, ok := lead.NormalizePhone(text)
	if !ok {
		return lead.Lead{}, false
	}
	return lead.Lead{ConversationKey: key, Phone: phone}, true
}

func testPersona() *persona.Persona {
	return &persona.Persona{
		Instruction:       "BASE",
		Greeting:          "GREETING",
		FallbackReply:     "FALLBACK",
		UnconfiguredReply: "UNCONFIGURED",
		ContactPrompt:     "LEAVE YOUR NUMBER",
		LeadAck:           "THANKS, WE WILL CALL",
		LeadInstruction:   "THANK THEM",
		Stages: map[qualify.Stage]string{
			qualify.Start:       "ASK BUY OR RENT",
			qualify.AskedBudget: "ASK BUDGET",
			qualify.AskedArea:   "ASK AREA",
		},
	}
}

func newTestAssistant(qualification bool) (*Assistant, *fakeGenerator, *fakeLeads) {
	gen := &fakeGenerator{configured: true, reply: "model reply"}
	leads := &fakeLeads{}
	a := New(Options{
		Memory:        memory.NewStore(10),
		Generator:     gen,
		Leads:         leads,
		Persona:       testPersona(),
		Qualification: qualification,
	})
	return a, gen, leads
}

func textMsg(text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "7", Content: text}
}

func TestHandle_GeneratesAndRemembers(t *testing.T) {
	a, gen, _ := newTestAssistant(false)

	reply, ok := a.Handle(context.Background(), textMsg("מחפש דירה בחיפה"))
	if !ok || reply != "model reply" {
		t.Fatalf("Handle = %q, %v", reply, ok)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times", len(gen.calls))
	}
	c := gen.calls[0]
	if c.system != "BASE" || c.text != "מחפש דירה בחיפה" || len(c.history) != 0 {
		t.Errorf("call = %+v", c)
	}

	turns := a.Memory().Recent("telegram:42", 10)
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[1].Role != memory.RoleAssistant || turns[1].Text != "model reply" {
		t.Errorf("turns = %+v", turns)
	}

	a.Handle(context.Background(), textMsg("שלוש חדרים"))
	if got := len(gen.calls[1].history); got != 2 {
		t.Errorf("second call history = %d, want 2", got)
	}
}

func TestHandle_HistoryBounded(t *testing.T) {
	gen := &fakeGenerator{configured: true, reply: "r"}
	a := New(Options{Memory: memory.NewStore(4), Generator: gen, Persona: testPersona()})

	for i := 0; i < 5; i++ {
		a.Handle(context.Background(), textMsg("hello"))
	}
	last := gen.calls[len(gen.calls)-1]
	if len(last.history) != 4 {
		t.Errorf("history = %d, want 4", len(last.history))
	}
	if len(a.Memory().Recent("telegram:42", 100)) != 4 {
		t.Error("memory exceeded capacity")
	}
}

func TestHandle_PhoneAddsLeadInstruction(t *testing.T) {
	a, gen, leads := newTestAssistant(false)

	a.Handle(context.Background(), textMsg("054-1234567"))
	if len(leads.texts) != 1 {
		t.Fatalf("lead detection ran %d times", len(leads.texts))
	}
	if !strings.HasSuffix(gen.calls[0].system, "THANK THEM") {
		t.Errorf("system = %q", gen.calls[0].system)
	}
}

func TestHandle_Unconfigured(t *testing.T) {
	a, gen, leads := newTestAssistant(false)
	gen.configured = false

	reply, ok := a.Handle(context.Background(), textMsg("0541234567"))
	if !ok || reply != "UNCONFIGURED" {
		t.Errorf("Handle = %q, %v", reply, ok)
	}
	if len(leads.texts) != 1 {
		t.Error("lead detection should run before the configuration check")
	}
	if a.Memory().Len() != 0 {
		t.Error("unconfigured reply must not be stored")
	}
}

func TestHandle_Reset(t *testing.T) {
	a, _, _ := newTestAssistant(true)
	a.Handle(context.Background(), textMsg("hi"))
	if a.Memory().Stage("telegram:42") != qualify.AskedBudget {
		t.Fatal("stage did not advance")
	}

	msg := textMsg("")
	msg.Command = bus.CommandReset
	reply, ok := a.Handle(context.Background(), msg)
	if !ok || reply != "GREETING" {
		t.Errorf("Handle = %q, %v", reply, ok)
	}
	if a.Memory().Stage("telegram:42") != qualify.Start || len(a.Memory().Recent("telegram:42", 10)) != 0 {
		t.Error("reset did not clear the conversation")
	}
}

func TestHandle_LeadOnly(t *testing.T) {
	a, gen, leads := newTestAssistant(true)
	msg := textMsg("call me 0541234567")
	msg.LeadOnly = true

	reply, ok := a.Handle(context.Background(), msg)
	if ok || reply != "" {
		t.Errorf("Handle = %q, %v; want no reply", reply, ok)
	}
	if len(leads.texts) != 1 || len(gen.calls) != 0 || a.Memory().Len() != 0 {
		t.Error("lead-only message must only run detection")
	}
}

func TestHandle_QualificationFlow(t *testing.T) {
	a, gen, _ := newTestAssistant(true)
	ctx := context.Background()

	wantFragments := []string{"ASK BUY OR RENT", "ASK BUDGET", "ASK AREA"}
	for i, want := range wantFragments {
		reply, _ := a.Handle(ctx, textMsg("message"))
		if reply != "model reply" {
			t.Fatalf("turn %d reply = %q", i, reply)
		}
		if !strings.HasSuffix(gen.calls[i].system, want) {
			t.Errorf("turn %d system = %q, want fragment %q", i, gen.calls[i].system, want)
		}
	}

	for i := 0; i < 2; i++ {
		reply, _ := a.Handle(ctx, textMsg("more"))
		if reply != "LEAVE YOUR NUMBER" {
			t.Errorf("terminal reply = %q", reply)
		}
	}
	if len(gen.calls) != 3 {
		t.Errorf("model called %d times, want 3", len(gen.calls))
	}
	if a.Memory().Stage("telegram:42") != qualify.Terminal {
		t.Error("stage should stay terminal")
	}
}

func TestHandle_PhoneShortCircuitsQualification(t *testing.T) {
	a, gen, _ := newTestAssistant(true)

	reply, ok := a.Handle(context.Background(), textMsg("0541234567"))
	if !ok || reply != "THANKS, WE WILL CALL" {
		t.Errorf("Handle = %q, %v", reply, ok)
	}
	if len(gen.calls) != 0 {
		t.Error("model should not be called once terminal")
	}
	if a.Memory().Stage("telegram:42") != qualify.Terminal {
		t.Error("phone should move the conversation to terminal")
	}
	if n := len(a.Memory().Recent("telegram:42", 10)); n != 2 {
		t.Errorf("turns = %d, want 2", n)
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	a, gen, _ := newTestAssistant(false)
	gen.panicWith = "boom"

	reply, ok := a.Handle(context.Background(), textMsg("hi"))
	if !ok || reply != "FALLBACK" {
		t.Errorf("Handle = %q, %v", reply, ok)
	}
}

func TestHandle_EmptyTextGetsGreeting(t *testing.T) {
	a, gen, _ := newTestAssistant(false)
	reply, ok := a.Handle(context.Background(), textMsg("   "))
	if !ok || reply != "GREETING" || len(gen.calls) != 0 {
		t.Errorf("Handle = %q, %v", reply, ok)
	}
}

func TestHandle_KeysAreIndependent(t *testing.T) {
	a, _, _ := newTestAssistant(true)
	a.Handle(context.Background(), textMsg("one"))

	other := textMsg("two")
	other.ChatID = "43"
	a.Handle(context.Background(), other)

	if a.Memory().Stage("telegram:42") != qualify.AskedBudget || a.Memory().Stage("telegram:43") != qualify.AskedBudget {
		t.Error("stages leaked between conversations")
	}
}

func TestNew_Defaults(t *testing.T) {
	a := New(Options{})
	if a.Memory() == nil || a.Persona() == nil {
		t.Fatal("defaults not applied")
	}
	reply, _ := a.Handle(context.Background(), textMsg("hi"))
	if reply != a.Persona().UnconfiguredReply {
		t.Errorf("reply = %q, want unconfigured", reply)
	}
}
