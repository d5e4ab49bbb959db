package client

import (
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Changed values reported in [ExclusiveState].
const (
	ChangedNew     = "new"
	ChangedRemoved = "removed"
)

// ExclusiveState is the state of one exclusive group after an event.
type ExclusiveState struct {
	// Name is the group name.
	Name string

	// Reader is the reader currently holding a card of this group, or "".
	Reader string

	// ID is the card on Reader, or "".
	ID string

	// Changed is ChangedNew when this event placed a card of the group,
	// ChangedRemoved when it took one away, and "" otherwise.
	Changed string

	// Index is the position of ID in the group's card list, or -1.
	Index int
}

// Event is one reader update enriched with the client's view of all readers.
type Event struct {
	Reader       string
	Card         string
	PreviousCard string

	// NewReader is true the first time a reader is seen.
	NewReader bool

	// Readers maps every known reader to its current card. It is a copy.
	Readers map[string]string

	// NotExclusive is true when a card is present and belongs to no group.
	NotExclusive bool

	// Exclusive holds the state of every configured group.
	Exclusive map[string]ExclusiveState
}

// Present reports whether a card is on the reader.
func (e Event) Present() bool {
	return e.Card != ""
}

// Tracker folds reader updates into per-reader and per-group state.
// It is safe for concurrent use.
type Tracker struct {
	groups  map[string][]string
	groupOf map[string]string

	mu          sync.Mutex
	readers     map[string]string
	groupReader map[string]string
}

// NewTracker creates a tracker for the given exclusive groups, which map a
// group name to the card ids that belong to it. A card id may belong to at
// most one group.
func NewTracker(groups map[string][]string) (*Tracker, error) {
	t := &Tracker{
		groups:      make(map[string][]string, len(groups)),
		groupOf:     make(map[string]string),
		readers:     make(map[string]string),
		groupReader: make(map[string]string, len(groups)),
	}

	// sorted so the duplicate error names groups deterministically
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ids := groups[name]
		for _, id := range ids {
			if other, ok := t.groupOf[id]; ok {
				return nil, fmt.Errorf("card %q is already in exclusive group %q, cannot add it to %q", id, other, name)
			}
			t.groupOf[id] = name
		}
		t.groups[name] = append([]string(nil), ids...)
		t.groupReader[name] = ""
	}
	return t, nil
}

// Apply records that reader now holds card ("" for no card) and returns the
// resulting event.
func (t *Tracker) Apply(reader, card string) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, known := t.readers[reader]
	t.readers[reader] = card

	notExclusive := card != ""
	var removed, added string
	if group, ok := t.groupOf[previous]; ok && previous != "" {
		removed = group
		t.groupReader[group] = ""
	}
	if group, ok := t.groupOf[card]; ok && card != "" {
		notExclusive = false
		added = group
		t.groupReader[group] = reader
	}

	exclusive := make(map[string]ExclusiveState, len(t.groupReader))
	for name, r := range t.groupReader {
		state := ExclusiveState{Name: name, Reader: r, Index: -1}
		if r != "" {
			state.ID = t.readers[r]
		}
		switch name {
		case added:
			state.Changed = ChangedNew
		case removed:
			state.Changed = ChangedRemoved
		}
		if state.ID != "" {
			state.Index = indexOf(t.groups[name], state.ID)
		}
		exclusive[name] = state
	}

	return Event{
		Reader:       reader,
		Card:         card,
		PreviousCard: previous,
		NewReader:    !known,
		Readers:      maps.Clone(t.readers),
		NotExclusive: notExclusive,
		Exclusive:    exclusive,
	}
}

// Readers returns a copy of the last card seen on every reader.
func (t *Tracker) Readers() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.readers)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
