// Package echodriver implements a minimal proactor.Driver that echoes
// every byte it reads back out its write side, used by the CLI and by
// the package's own tests as a conforming Driver without pulling in a
// real AMQP transport engine.
package echodriver

import (
	"bytes"
	"sync"
	"time"

	"github.com/meshlink/proactor"
)

// Driver is a byte-echo proactor.Driver: everything read is queued for
// write, unchanged.
type Driver struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	readClosed  bool
	writeClosed bool
	finished    bool
	connected   bool

	condition proactor.Condition

	events []interface{}

	idle       time.Duration
	lastActive time.Time
}

// New returns a Driver with an optional idle timeout (0 disables it)
// after which the connection is considered finished. ReadBufferSpace
// always reports readChunk bytes until the read side closes.
func New(idle time.Duration) *Driver {
	return &Driver{idle: idle, lastActive: time.Now()}
}

const readChunk = 4096

func (d *Driver) HasEvent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events) > 0
}

func (d *Driver) NextEvent() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return nil
	}
	e := d.events[0]
	d.events = d.events[1:]
	return e
}

func (d *Driver) ReadBufferSpace() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readClosed {
		return 0
	}
	return readChunk
}

func (d *Driver) Received(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeBuf.Write(buf)
	d.lastActive = time.Now()
	d.events = append(d.events, "received")
}

func (d *Driver) ReadClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readClosed
}

func (d *Driver) CloseRead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readClosed = true
	d.events = append(d.events, "read-closed")
	if d.writeBuf.Len() == 0 {
		d.writeClosed = true
	}
}

func (d *Driver) PendingWrite() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeBuf.Len() == 0 {
		return nil
	}
	return d.writeBuf.Bytes()
}

func (d *Driver) WriteComplete(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeBuf.Next(n)
	if d.writeBuf.Len() == 0 && d.readClosed {
		d.writeClosed = true
	}
}

func (d *Driver) WriteClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeClosed
}

func (d *Driver) Tick(now time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle <= 0 {
		return time.Time{}
	}
	deadline := d.lastActive.Add(d.idle)
	if now.After(deadline) {
		d.finished = true
		d.events = append(d.events, "idle-timeout")
		return time.Time{}
	}
	return deadline
}

func (d *Driver) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished && d.writeBuf.Len() == 0
}

func (d *Driver) Inject() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "wake")
}

func (d *Driver) SetConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.events = append(d.events, "connected")
}

func (d *Driver) SetTransportError(c proactor.Condition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.condition = c
	d.finished = true
}

func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = true
	d.readClosed = true
	d.writeClosed = true
}

// Condition returns the last transport error condition surfaced to
// this driver, if any.
func (d *Driver) Condition() proactor.Condition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.condition
}
