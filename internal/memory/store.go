package memory

import (
	"sync"

	"github.com/linarealestate/linabot/internal/qualify"
)

const DefaultCap = 10

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation. Turns are values and are never
// modified after they are appended.
type Turn struct {
	Role Role
	Text string
}

type conversation struct {
	turns []Turn
	stage qualify.Stage
}

// Store keeps a bounded, process-lifetime history per conversation key.
// Once a key holds more than cap turns the oldest are evicted first.
type Store struct {
	mu    sync.Mutex
	cap   int
	convs map[string]*conversation
}

func NewStore(cap int) *Store {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Store{
		cap:   cap,
		convs: make(map[string]*conversation),
	}
}

func (s *Store) Cap() int {
	return s.cap
}

// Append records a turn for key, creating the conversation on first use.
func (s *Store) Append(key string, role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(key)
	c.turns = append(c.turns, Turn{Role: role, Text: text})
	if over := len(c.turns) - s.cap; over > 0 {
		kept := make([]Turn, s.cap)
		copy(kept, c.turns[over:])
		c.turns = kept
	}
}

// Recent returns up to n of the newest turns for key in chronological
// order. Unknown keys yield an empty slice.
func (s *Store) Recent(key string, n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok || n <= 0 {
		return []Turn{}
	}
	start := len(c.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out
}

func (s *Store) Stage(key string) qualify.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok {
		return c.stage
	}
	return qualify.Start
}

func (s *Store) SetStage(key string, stage qualify.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convLocked(key).stage = stage
}

// Reset forgets the turns and qualification stage of key.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, key)
}

// Len reports how many conversations are currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *Store) convLocked(key string) *conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{stage: qualify.Start}
		s.convs[key] = c
	}
	return c
}
