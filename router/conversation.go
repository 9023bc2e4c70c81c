package router

import (
	"sync"
	"time"

	"github.com/jgilcrest/tradingagent/model"
)

const defaultIdleTTL = 24 * time.Hour

// conversationStore is a keyed, bounded history of turns with idle expiry
// and one mutex per conversation id so a single conversation serializes its
// own calls without blocking unrelated conversations.
type conversationStore struct {
	idleTTL time.Duration

	mu    sync.Mutex
	convs map[string]*conversationEntry
}

type conversationEntry struct {
	mu   sync.Mutex
	conv model.Conversation
}

func newConversationStore(idleTTL time.Duration) *conversationStore {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &conversationStore{idleTTL: idleTTL, convs: make(map[string]*conversationEntry)}
}

// lock returns the per-conversation entry, creating it lazily, and locks it.
// Callers must call unlock when done.
func (s *conversationStore) lock(convID string) *conversationEntry {
	s.mu.Lock()
	entry, ok := s.convs[convID]
	if !ok {
		now := time.Now()
		entry = &conversationEntry{conv: model.Conversation{ID: convID, CreatedAt: now, LastTouch: now}}
		s.convs[convID] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	return entry
}

func (e *conversationEntry) unlock() {
	e.mu.Unlock()
}

// turns returns a copy of the conversation's history if still live, or nil
// if it has idle-expired.
func (e *conversationEntry) turns(idleTTL time.Duration) []model.Message {
	if time.Since(e.conv.LastTouch) > idleTTL {
		e.conv.Turns = nil
	}
	return append([]model.Message(nil), e.conv.Turns...)
}

func (e *conversationEntry) appendTurn(msg model.Message) {
	e.conv.Turns = append(e.conv.Turns, msg)
	e.conv.LastTouch = time.Now()
}

// sweep removes conversations that have been idle longer than idleTTL. It is
// run periodically by the Router's background goroutine.
func (s *conversationStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.convs {
		entry.mu.Lock()
		expired := time.Since(entry.conv.LastTouch) > s.idleTTL
		entry.mu.Unlock()
		if expired {
			delete(s.convs, id)
		}
	}
}
