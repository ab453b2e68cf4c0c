// Package persona loads the assistant's system instruction and fixed
// replies from a Markdown file with YAML frontmatter.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/linarealestate/linabot/internal/qualify"
	"gopkg.in/yaml.v3"
)

//go:embed default.md
var defaultPersona []byte

var errInvalidYAML = errors.New("invalid persona YAML frontmatter")

type frontmatter struct {
	Name              string            `yaml:"name"`
	OfficePhone       string            `yaml:"office_phone"`
	Greeting          string            `yaml:"greeting"`
	FallbackReply     string            `yaml:"fallback_reply"`
	UnconfiguredReply string            `yaml:"unconfigured_reply"`
	ContactPrompt     string            `yaml:"contact_prompt"`
	LeadAck           string            `yaml:"lead_ack"`
	LeadInstruction   string            `yaml:"lead_instruction"`
	Stages            map[string]string `yaml:"stages"`
}

// Persona is everything the assistant says without asking the model, plus
// the instruction it sends with every request.
type Persona struct {
	Name              string
	OfficePhone       string
	Instruction       string
	Greeting          string
	FallbackReply     string
	UnconfiguredReply string
	ContactPrompt     string
	LeadAck           string
	LeadInstruction   string
	Stages            map[qualify.Stage]string
}

// Default returns the built-in persona.
func Default() *Persona {
	p, err := Parse(defaultPersona)
	if err != nil {
		panic(fmt.Sprintf("built-in persona: %v", err))
	}
	return p
}

// Load reads a persona file. A missing file yields the built-in persona;
// fields left empty in the file are taken from it too.
func Load(path string) (*Persona, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read persona %q: %w", path, err)
	}
	p, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse persona %q: %w", path, err)
	}
	p.fillFrom(Default())
	return p, nil
}

// DefaultContent is the raw built-in persona file, used by onboarding.
func DefaultContent() string {
	return string(defaultPersona)
}

func Parse(content []byte) (*Persona, error) {
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	p := &Persona{
		Name:              strings.TrimSpace(meta.Name),
		OfficePhone:       strings.TrimSpace(meta.OfficePhone),
		Instruction:       strings.TrimSpace(body),
		Greeting:          strings.TrimSpace(meta.Greeting),
		FallbackReply:     strings.TrimSpace(meta.FallbackReply),
		UnconfiguredReply: strings.TrimSpace(meta.UnconfiguredReply),
		ContactPrompt:     strings.TrimSpace(meta.ContactPrompt),
		LeadAck:           strings.TrimSpace(meta.LeadAck),
		LeadInstruction:   strings.TrimSpace(meta.LeadInstruction),
		Stages:            make(map[qualify.Stage]string, len(meta.Stages)),
	}
	for name, fragment := range meta.Stages {
		stage, ok := stageByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		if fragment = strings.TrimSpace(fragment); fragment != "" {
			p.Stages[stage] = fragment
		}
	}
	return p, nil
}

// SystemFor returns the instruction sent to the model for a conversation
// at the given stage.
func (p *Persona) SystemFor(stage qualify.Stage, qualification bool) string {
	if !qualification {
		return p.Instruction
	}
	fragment, ok := p.Stages[stage]
	if !ok {
		return p.Instruction
	}
	return p.Instruction + "\n\n" + fragment
}

func (p *Persona) fillFrom(d *Persona) {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&p.Name, d.Name)
	fill(&p.OfficePhone, d.OfficePhone)
	fill(&p.Instruction, d.Instruction)
	fill(&p.Greeting, d.Greeting)
	fill(&p.FallbackReply, d.FallbackReply)
	fill(&p.UnconfiguredReply, d.UnconfiguredReply)
	fill(&p.ContactPrompt, d.ContactPrompt)
	fill(&p.LeadAck, d.LeadAck)
	fill(&p.LeadInstruction, d.LeadInstruction)
	for stage, fragment := range d.Stages {
		if _, ok := p.Stages[stage]; !ok {
			p.Stages[stage] = fragment
		}
	}
}

func stageByName(name string) (qualify.Stage, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "start":
		return qualify.Start, true
	case "asked_budget", "budget":
		return qualify.AskedBudget, true
	case "asked_area", "area":
		return qualify.AskedArea, true
	default:
		return 0, false
	}
}

func parseFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		// plain instruction file, no metadata
		return frontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	raw := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidYAML, err)
	}
	return meta, body, nil
}
