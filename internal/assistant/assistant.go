// Package assistant turns one inbound customer message into one reply:
// lead detection, qualification stage, history and the model call.
package assistant

import (
	"context"
	"log"
	"strings"

	"github.com/linarealestate/linabot/internal/bus"
	"github.com/linarealestate/linabot/internal/lead"
	"github.com/linarealestate/linabot/internal/memory"
	"github.com/linarealestate/linabot/internal/persona"
	"github.com/linarealestate/linabot/internal/qualify"
)

// ReplyGenerator is the part of reply.Generator the assistant calls.
type ReplyGenerator interface {
	Configured() bool
	Generate(ctx context.Context, system string, history []memory.Turn, text string) string
}

// LeadService is the part of lead.Service the assistant calls.
type LeadService interface {
	DetectAndNotify(key, text string) (lead.Lead, bool)
}

type Options struct {
	Memory        *memory.Store
	Generator     ReplyGenerator
	Leads         LeadService
	Persona       *persona.Persona
	Qualification bool
	// HistoryTurns is how many previous turns go with each request.
	// Zero means the memory store's capacity.
	HistoryTurns int
}

type Assistant struct {
	mem           *memory.Store
	gen           ReplyGenerator
	leads         LeadService
	persona       *persona.Persona
	qualification bool
	historyTurns  int
}

func New(opts Options) *Assistant {
	a := &Assistant{
		mem:           opts.Memory,
		gen:           opts.Generator,
		leads:         opts.Leads,
		persona:       opts.Persona,
		qualification: opts.Qualification,
		historyTurns:  opts.HistoryTurns,
	}
	if a.mem == nil {
		a.mem = memory.NewStore(memory.DefaultCap)
	}
	if a.persona == nil {
		a.persona = persona.Default()
	}
	if a.historyTurns <= 0 {
		a.historyTurns = a.mem.Cap()
	}
	return a
}

func (a *Assistant) Memory() *memory.Store {
	return a.mem
}

func (a *Assistant) Persona() *persona.Persona {
	return a.persona
}

// Handle produces the reply for msg. ok is false when nothing should be
// sent back, which is the case for lead-only group messages.
func (a *Assistant) Handle(ctx context.Context, msg bus.InboundMessage) (reply string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[assistant] panic handling %s: %v", msg.SessionKey(), r)
			reply, ok = a.persona.FallbackReply, true
		}
	}()

	key := msg.SessionKey()
	text := strings.TrimSpace(msg.Content)

	if msg.LeadOnly {
		a.detect(key, text)
		return "", false
	}

	if msg.Command == bus.CommandReset {
		a.mem.Reset(key)
		log.Printf("[assistant] conversation %s reset", key)
		return a.persona.Greeting, true
	}

	if text == "" {
		return a.persona.Greeting, true
	}

	_, hasPhone := a.detect(key, text)

	if a.gen == nil || !a.gen.Configured() {
		return a.persona.UnconfiguredReply, true
	}

	history := a.mem.Recent(key, a.historyTurns)
	system := a.persona.SystemFor(qualify.Start, false)

	if a.qualification {
		stage := a.mem.Stage(key)
		event := qualify.EventMessage
		if hasPhone {
			event = qualify.EventPhone
		}
		next := qualify.Next(stage, event)
		a.mem.SetStage(key, next)
		if stage != next {
			log.Printf("[assistant] %s stage %s -> %s", key, stage, next)
		}

		if stage.IsTerminal() || hasPhone {
			reply = a.persona.ContactPrompt
			if hasPhone {
				reply = a.persona.LeadAck
			}
			a.remember(key, text, reply)
			return reply, true
		}
		system = a.persona.SystemFor(stage, true)
	}

	if hasPhone && a.persona.LeadInstruction != "" {
		system += "\n\n" + a.persona.LeadInstruction
	}

	reply = a.gen.Generate(ctx, system, history, text)
	a.remember(key, text, reply)
	return reply, true
}

func (a *Assistant) detect(key, text string) (lead.Lead, bool) {
	if a.leads == nil || text == "" {
		return lead.Lead{}, false
	}
	return a.leads.DetectAndNotify(key, text)
}

// remember appends the exchange, user turn first.
func (a *Assistant) remember(key, text, reply string) {
	a.mem.Append(key, memory.RoleUser, text)
	a.mem.Append(key, memory.RoleAssistant, reply)
}
