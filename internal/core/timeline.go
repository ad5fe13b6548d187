package core

import (
	"math"
	"sort"

	"studio.dev/livechat/internal/models"
)

// Timeline is the client-side view of one session's messages. It merges history
// and pushed messages by id and keeps them in store sequence order, whatever the
// arrival order. Messages not yet acknowledged by the store (Seq == 0) sort last.
type Timeline struct {
	msgs  []models.ChatMessage
	index map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string]struct{})}
}

func orderKey(m models.ChatMessage) int64 {
	if m.Seq <= 0 {
		return math.MaxInt64
	}
	return m.Seq
}

// Upsert adds msg, or replaces the stored copy when the id is already known.
// It reports whether msg was new.
func (t *Timeline) Upsert(msg models.ChatMessage) bool {
	if _, ok := t.index[msg.ID]; ok {
		for i := range t.msgs {
			if t.msgs[i].ID == msg.ID {
				if t.msgs[i].Seq == msg.Seq {
					t.msgs[i] = msg
					return false
				}
				t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
				break
			}
		}
		t.insert(msg)
		return false
	}
	t.index[msg.ID] = struct{}{}
	t.insert(msg)
	return true
}

func (t *Timeline) insert(msg models.ChatMessage) {
	key := orderKey(msg)
	i := sort.Search(len(t.msgs), func(i int) bool { return orderKey(t.msgs[i]) > key })
	t.msgs = append(t.msgs, models.ChatMessage{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
}

// Merge upserts every message and returns how many were new.
func (t *Timeline) Merge(msgs []models.ChatMessage) int {
	added := 0
	for _, m := range msgs {
		if t.Upsert(m) {
			added++
		}
	}
	return added
}

// Remove drops a message, used to roll back an optimistic send.
func (t *Timeline) Remove(id string) bool {
	if _, ok := t.index[id]; !ok {
		return false
	}
	delete(t.index, id)
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	return true
}

// Replace swaps a provisional message for the stored one. If the stored copy
// already arrived through the push channel, the provisional entry simply goes away.
func (t *Timeline) Replace(provisionalID string, stored models.ChatMessage) {
	t.Remove(provisionalID)
	t.Upsert(stored)
}

func (t *Timeline) Has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *Timeline) Len() int { return len(t.msgs) }

// Messages returns a copy of the ordered messages.
func (t *Timeline) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Timeline) Reset() {
	t.msgs = nil
	t.index = make(map[string]struct{})
}
