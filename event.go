package cardwatch

import (
	"time"

	"github.com/jpalmerr/cardwatch/internal/reader"
)

// CardEvent is one observation from a card reader.
//
// A CardEvent is produced for every line the reader's polling process
// prints. An empty Card means no card is present, which is how card removal
// is reported.
type CardEvent struct {
	// Reader is the device id of the reader, as listed by discovery.
	Reader string

	// Card is the card identifier, or empty when no card is present.
	Card string

	// ReadAt is when the line was read from the polling process.
	ReadAt time.Time
}

// Present reports whether a card is on the reader.
func (e CardEvent) Present() bool {
	return e.Card != ""
}

// cardEventFromReader converts the internal event to the public type.
func cardEventFromReader(ev reader.Event) CardEvent {
	return CardEvent{
		Reader: ev.Reader,
		Card:   ev.Card,
		ReadAt: ev.ReadAt,
	}
}
