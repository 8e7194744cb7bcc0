package session

import (
	"sync"
	"time"

	"github.com/dkeye/Studyroom/internal/domain"
)

const systemSender = "system"

// Feed is the append-only chat and presence log of one session.
type Feed struct {
	mu     sync.RWMutex
	msgs   []domain.ChatMessage
	subs   map[int]func(domain.ChatMessage)
	nextID int
	now    func() time.Time
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]func(domain.ChatMessage)), now: time.Now}
}

func (f *Feed) Append(m domain.ChatMessage) {
	f.mu.Lock()
	if m.At.IsZero() {
		m.At = f.now()
	}
	f.msgs = append(f.msgs, m)
	subs := make([]func(domain.ChatMessage), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
}

func (f *Feed) System(text string) {
	f.Append(domain.ChatMessage{Text: text, Sender: systemSender, Kind: domain.KindSystem})
}

// Error appends a system message carrying the error indicator.
func (f *Feed) Error(text string, err error) {
	if err != nil {
		text += ": " + err.Error()
	}
	f.Append(domain.ChatMessage{
		Text:     domain.ErrorIndicator + text,
		Sender:   systemSender,
		Kind:     domain.KindSystem,
		Severity: domain.SeverityError,
	})
}

func (f *Feed) Messages() []domain.ChatMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.ChatMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.msgs)
}

func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

// Subscribe registers fn for every appended message and returns its cancel func.
func (f *Feed) Subscribe(fn func(domain.ChatMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}
