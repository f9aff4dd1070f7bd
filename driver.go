package proactor

import "time"

// Driver is the external per-connection transport engine the spec keeps
// out of scope (§1): "a byte-read buffer, a byte-write buffer, read/write
// closed predicates, a next-event drain, a finished predicate, a
// tick-timer hook, and an inject-wake-event entry point." The proactor
// core only ever calls through this interface; it never interprets the
// bytes or events a Driver produces.
//
// The read/write/tick/inject calls of Phase 4 (§4.4) are made with the
// owning connection's context lock released. Some calls are made with
// it held: ReadBufferSpace, PendingWrite and Finished in Phase 5's
// pending/rearm checks, and SetTransportError and Close when the
// connection begins closing. A Driver implementation may take its own
// locks freely but must not call back into the proactor synchronously.
type Driver interface {
	// HasEvent reports whether NextEvent would return a pending
	// driver-originated event without blocking.
	HasEvent() bool
	// NextEvent drains one pending driver event. Called only when
	// HasEvent is true.
	NextEvent() interface{}

	// ReadBufferSpace reports how many bytes of read buffer are
	// currently free; a read is only attempted while this is > 0.
	ReadBufferSpace() int
	// Received feeds bytes read from the socket into the driver's read
	// buffer.
	Received(buf []byte)
	// ReadClosed reports whether the driver considers its read side
	// permanently closed (no more reads should be attempted).
	ReadClosed() bool
	// CloseRead signals EOF on the read side to the driver.
	CloseRead()

	// PendingWrite returns the driver's next chunk of bytes to write, or
	// nil/empty if nothing is pending.
	PendingWrite() []byte
	// WriteComplete reports n bytes of the last PendingWrite() chunk as
	// sent.
	WriteComplete(n int)
	// WriteClosed reports whether the driver's write side is
	// permanently closed.
	WriteClosed() bool

	// Tick invokes the driver's timed hook (heartbeats, idle timeout,
	// etc). It returns the next absolute deadline to re-arm the
	// connection timer for, or the zero Time if no further tick is
	// needed.
	Tick(now time.Time) time.Time

	// Finished reports whether the driver has completed all application
	// and network work and the connection endpoint may be torn down.
	Finished() bool

	// Inject delivers a wake event (PN_CONNECTION_WAKE) into the
	// driver's own event stream at the next NextEvent drain.
	Inject()

	// SetConnected is called once the socket's connect() has completed.
	SetConnected()
	// SetTransportError surfaces a fatal per-connection error (§7b) as a
	// condition on the driver, which will subsequently emit the
	// driver's own terminal events (e.g. a close) to the application.
	SetTransportError(c Condition)
	// Close begins the driver's own shutdown sequence. May be called
	// more than once; implementations must be idempotent.
	Close()
}
