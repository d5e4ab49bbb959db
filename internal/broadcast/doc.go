// Package broadcast fans card events out to live subscribers.
//
// This package is internal to cardwatch. A single [Broadcaster] is shared by
// every reader callback and every subscriber connection. It keeps a set of
// [Subscriber] values guarded by one mutex and hands each event to every
// subscriber present at broadcast time.
//
// The main components are:
//
//   - [Broadcaster]: the mutex-guarded subscriber set
//   - [Subscriber]: anything that accepts a [Message] without blocking
//   - [Queue]: a bounded, non-blocking Subscriber that transports read from
//
// Nothing is buffered or replayed: a subscriber that joins after an event
// never sees it. A subscriber whose Send fails is removed; the broadcaster
// never closes it, that is the owner's job.
package broadcast
