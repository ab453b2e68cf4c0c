package reply

import (
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/linarealestate/linabot/internal/memory"
)

// BuildRequest assembles the model request: the system instruction, the
// prior turns in order, then the new user text.
func BuildRequest(system string, history []memory.Turn, text string) model.Request {
	msgs := make([]model.Message, 0, len(history)+1)
	for _, turn := range history {
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		msgs = append(msgs, model.Message{Role: roleFor(turn.Role), Content: turn.Text})
	}
	msgs = append(msgs, model.Message{Role: "user", Content: text})

	return model.Request{
		System:   system,
		Messages: msgs,
	}
}

func roleFor(r memory.Role) string {
	if r == memory.RoleAssistant {
		return "assistant"
	}
	return "user"
}
