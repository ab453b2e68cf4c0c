// Package qualify holds the per-conversation qualification flow: a short
// linear sequence of questions asked before the assistant stops chatting and
// asks the customer for a phone number.
package qualify

// Stage is the position of one conversation in the qualification flow.
type Stage int

const (
	Start Stage = iota
	AskedBudget
	AskedArea
	Terminal
)

// Event drives a stage transition.
type Event int

const (
	// EventMessage is any inbound text message without a phone number.
	EventMessage Event = iota
	// EventPhone is an inbound message that carried a phone number.
	EventPhone
	// EventReset is an explicit start/new conversation command.
	EventReset
)

func (s Stage) String() string {
	switch s {
	case Start:
		return "start"
	case AskedBudget:
		return "asked_budget"
	case AskedArea:
		return "asked_area"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Next returns the stage that follows s after e. Terminal is sticky for
// ordinary messages; a phone number jumps straight to Terminal.
func Next(s Stage, e Event) Stage {
	switch e {
	case EventReset:
		return Start
	case EventPhone:
		return Terminal
	}
	if s >= Terminal || s < Start {
		return Terminal
	}
	return s + 1
}

// IsTerminal reports whether the flow has stopped soliciting details.
func (s Stage) IsTerminal() bool {
	return s >= Terminal
}
