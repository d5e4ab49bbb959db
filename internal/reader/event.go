package reader

import "time"

// Event is one line of output from a reader's polling process.
type Event struct {
	// Reader is the device id of the reader that produced the line.
	Reader string

	// Card is the trimmed line. Empty means no card is present.
	Card string

	// ReadAt is when the line was read.
	ReadAt time.Time
}

// Present reports whether the event carries a card identifier.
func (e Event) Present() bool {
	return e.Card != ""
}

// Callback receives events from every supervisor in a pool.
//
// Callbacks are invoked from each supervisor's read goroutine, so they may
// run concurrently for different readers and must not block.
type Callback func(Event)
