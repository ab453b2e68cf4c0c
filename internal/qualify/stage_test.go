package qualify

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		from  Stage
		event Event
		want  Stage
	}{
		{"start advances", Start, EventMessage, AskedBudget},
		{"budget advances", AskedBudget, EventMessage, AskedArea},
		{"area advances", AskedArea, EventMessage, Terminal},
		{"terminal is sticky", Terminal, EventMessage, Terminal},
		{"phone short-circuits from start", Start, EventPhone, Terminal},
		{"phone short-circuits from budget", AskedBudget, EventPhone, Terminal},
		{"reset from terminal", Terminal, EventReset, Start},
		{"reset from middle", AskedArea, EventReset, Start},
		{"out of range clamps", Stage(42), EventMessage, Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.from, tt.event); got != tt.want {
				t.Errorf("Next(%v, %v) = %v, want %v", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestStage_WalkToTerminal(t *testing.T) {
	s := Start
	for i := 0; i < 3; i++ {
		if s.IsTerminal() {
			t.Fatalf("stage %v terminal after %d messages", s, i)
		}
		s = Next(s, EventMessage)
	}
	if !s.IsTerminal() {
		t.Errorf("stage = %v after 3 messages, want terminal", s)
	}
}

func TestStage_String(t *testing.T) {
	if Start.String() != "start" || Terminal.String() != "terminal" {
		t.Errorf("unexpected names: %s %s", Start, Terminal)
	}
	if Stage(-1).String() != "unknown" {
		t.Errorf("Stage(-1).String() = %q", Stage(-1).String())
	}
}
