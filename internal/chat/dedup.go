package chat

import "github.com/ashureev/agentic-squad/internal/domain"

type messageKey struct {
	kind    domain.MessageKind
	sender  string
	content string
}

// Deduplicator drops messages whose (kind, sender, text) triple was already
// seen. Display layers create one per turn.
type Deduplicator struct {
	seen map[messageKey]struct{}
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[messageKey]struct{})}
}

// Admit reports whether msg is new and records it.
func (d *Deduplicator) Admit(msg domain.ChatMessage) bool {
	key := messageKey{kind: msg.Kind, sender: msg.Sender, content: msg.Text()}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
