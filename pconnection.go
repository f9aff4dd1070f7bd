package proactor

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Connection is the public name for a connection endpoint; it is an
// alias for pConnection so Batch.Connection() can hand callers a typed
// reference without exposing the unexported implementation type name.
type Connection = pConnection

// hogMax is the cooperative fairness bound of §4.4: a batch-drain thread
// may top up at most this many times on the same connection before the
// proactor forces it back through the multiplexer.
const hogMax = 3

// readiness is the raw bits last harvested from the multiplexer for a
// connection, awaiting processing (§3: "new_events").
type readiness struct {
	readable bool
	writable bool
	hangup   bool
	errored  bool
}

func (r readiness) any() bool { return r.readable || r.writable || r.hangup || r.errored }

// arm is the watch mask most recently requested of the multiplexer for
// a connection's socket (§3: "current_arm").
type arm struct {
	read  bool
	write bool
}

func (a arm) empty() bool { return !a.read && !a.write }
func (a arm) equal(o arm) bool { return a.read == o.read && a.write == o.write }

// pConnection is the connection endpoint of §3: "a socket + its
// per-connection timer + a driver (external) + a context."
type pConnection struct {
	context *epCtx
	log     *logrus.Entry

	fd  int
	reg *registration

	connTimer    *oneShotTimer
	connTimerReg *registration
	timerArmed   bool

	// newEvents/haveNew is the readiness awaiting processing,
	// folded in under the lock in Phase 1 and snapshotted in Phase 4.
	newEvents    readiness
	haveNew      bool
	tickPending  bool
	wakeCount    int
	currentArm   arm

	queuedDisconnect  bool
	deferredCondition Condition

	connected    bool
	readBlocked  bool
	writeBlocked bool
	readClosed   bool
	writeClosed  bool
	disconnected bool

	hogCount int

	driver Driver

	connector bool
	addrs     []resolvedAddr
	addrIndex int
	remote    string

	events eventQueue

	cleanedUp bool
}

func newPConnection(p *Proactor, driver Driver) (*pConnection, error) {
	timer, err := newOneShotTimer()
	if err != nil {
		return nil, err
	}
	ctx := newEpCtx(p, ctxConnection)
	pc := &pConnection{
		context:   ctx,
		log:       endpointLogger(p.log, "connection", ctx.id.String()),
		connTimer: timer,
		driver:    driver,
	}
	ctx.owner = pc
	return pc, nil
}

// start registers the connection's socket and timer fds with the
// proactor's multiplexer and links it into the endpoint list. Called
// once, before any event can be dispatched to it.
func (pc *pConnection) start(p *Proactor, fd int, wantRead, wantWrite bool) error {
	pc.fd = fd
	pc.reg = &registration{fd: fd, kind: regConnIO, conn: pc, wantRead: wantRead, wantWrite: wantWrite}
	if err := p.mux.add(pc.reg); err != nil {
		return err
	}
	pc.currentArm = arm{read: wantRead, write: wantWrite}

	pc.connTimerReg = &registration{fd: pc.connTimer.fd(), kind: regConnTimer, conn: pc, wantRead: true}
	if err := p.mux.add(pc.connTimerReg); err != nil {
		_ = p.mux.remove(pc.reg)
		return err
	}

	p.addEndpoint(pc.context)
	return nil
}

// Wake implements the connection external hook of §6: "bumps the
// connection's wake counter and schedules a PN_CONNECTION_WAKE event at
// next drain." Safe to call from any goroutine, any time.
func (pc *pConnection) Wake() {
	ctx := pc.context
	ctx.mu.Lock()
	pc.wakeCount++
	shouldSignal := ctx.wakeLocked()
	ctx.mu.Unlock()
	if shouldSignal {
		if err := pc.context.proactor.wakeQ.notify() ; err != nil {
			fatalf(pc.log, "wake signal write failed: %v", err)
		}
	}
}

// Release implements the connection external hook of §6: it queues a
// begin-close that the next processing round carries out, the same way
// a Disconnect sweep does (the driver's Close is called and the socket
// leaves the multiplexer). The driver stays attached to the connection
// until cleanup.
func (pc *pConnection) Release() {
	ctx := pc.context
	ctx.mu.Lock()
	pc.queuedDisconnect = true
	shouldSignal := ctx.wakeLocked()
	ctx.mu.Unlock()
	if shouldSignal {
		if err := pc.context.proactor.wakeQ.notify(); err != nil {
			fatalf(pc.log, "wake signal write failed: %v", err)
		}
	}
}

// connSignal is the union of the four ways §4.4 says process() can be
// invoked: a readiness dispatch, a timer dispatch, a wake dispatch, or a
// top-up call from the owning batch-drain thread.
type connSignal struct {
	ready     readiness
	haveReady bool
	timeout   bool
	wake      bool
	topup     bool
}

// process is pconnection_process(pc, events, timeout, topup) from
// §4.4.
func (pc *pConnection) process(sig connSignal) *Batch {
	ctx := pc.context

	// Phase 1 — claim ownership.
	ctx.mu.Lock()
	if sig.haveReady {
		pc.newEvents.readable = pc.newEvents.readable || sig.ready.readable
		pc.newEvents.writable = pc.newEvents.writable || sig.ready.writable
		pc.newEvents.hangup = pc.newEvents.hangup || sig.ready.hangup
		pc.newEvents.errored = pc.newEvents.errored || sig.ready.errored
		pc.haveNew = true
	}
	if sig.timeout {
		pc.tickPending = true
	}
	if sig.wake {
		ctx.wakeDoneLocked()
	}

	if !ctx.claimLocked(sig.topup) {
		ctx.mu.Unlock()
		return nil
	}

	if pc.queuedDisconnect {
		pc.queuedDisconnect = false
		pc.beginCloseLocked(ctx)
	}

	// Phase 2 — early termination.
	if ctx.closing && pc.finalLocked(ctx) {
		ctx.mu.Unlock()
		pc.cleanup(ctx)
		return nil
	}

	// Phase 3 — deliver already-queued events left over from a previous
	// round before doing any new work.
	if !pc.events.empty() {
		ctx.mu.Unlock()
		return &Batch{kind: batchConnection, connection: pc}
	}

	// Phase 4 — do work, outside the lock.
	gotWake := pc.wakeCount > 0
	pc.wakeCount = 0
	gotTick := pc.tickPending
	pc.tickPending = false
	events := pc.newEvents
	haveNew := pc.haveNew
	pc.newEvents = readiness{}
	pc.haveNew = false
	if sig.haveReady {
		// One-shot delivery disarms the registration until rearmed.
		pc.currentArm = arm{}
	}
	timerFired := sig.timeout
	ctx.mu.Unlock()

	pc.doWork(gotWake, gotTick, haveNew, events, timerFired)

	drained := pc.drainDriverEvents()

	// Phase 5 — decide next step.
	ctx.mu.Lock()
	if gotWake {
		pc.events.push(Event{Type: EventConnectionWake, Connection: pc})
	}
	for _, e := range drained {
		pc.events.push(e)
	}
	if ctx.closing && pc.finalLocked(ctx) {
		ctx.mu.Unlock()
		pc.cleanup(ctx)
		return nil
	}

	pending := pc.haveNew || pc.wakeCount > 0 || pc.tickPending || pc.queuedDisconnect ||
		pc.runnableRead() || pc.runnableWrite()
	if pending && pc.hogCount < hogMax {
		pc.hogCount++
		ctx.mu.Unlock()
		return pc.process(connSignal{topup: true})
	}

	// Either there is no more work, or the hog bound (§4.4) was reached:
	// release ownership first so the enqueue condition in wakeLocked
	// (wakeOps==0 && !working) actually holds, then re-signal ourselves
	// if work is still pending so it is not stranded unqueued and
	// unrearmed.
	hogLimited := pending
	ctx.releaseLocked()
	pc.hogCount = 0
	var shouldSignal bool
	if hogLimited {
		shouldSignal = ctx.wakeLocked()
	}

	if !hogLimited && pc.driver != nil && pc.driver.Finished() {
		pc.beginCloseLocked(ctx)
		if pc.finalLocked(ctx) {
			ctx.mu.Unlock()
			pc.cleanup(ctx)
			return nil
		}
	}

	wantRead := pc.readBlocked && !pc.readClosed
	wantWrite := (pc.writeBlocked && !pc.writeClosed) || (!pc.writeBlocked && pc.hasPendingWrite())
	newArm := arm{read: wantRead, write: wantWrite}
	needRearm := !newArm.equal(pc.currentArm) && !newArm.empty()
	if needRearm {
		pc.currentArm = newArm
	}
	ctx.mu.Unlock()

	if shouldSignal {
		if err := ctx.proactor.wakeQ.notify(); err != nil {
			fatalf(pc.log, "wake signal write failed: %v", err)
		}
	}
	if needRearm {
		if err := pc.context.proactor.mux.modify(pc.reg, newArm.read, newArm.write); err != nil {
			fatalf(pc.log, "multiplexer rearm failed for connection %s: %v", pc.context.id, err)
		}
	}

	if !pc.events.empty() {
		return &Batch{kind: batchConnection, connection: pc}
	}
	return nil
}

// finalLocked combines the shared epCtx notion of "final" with this
// connection's own liveness: no outstanding multiplexer arm, no pending
// timer, no wake ops (§4.4 Phase 2/5).
func (pc *pConnection) finalLocked(ctx *epCtx) bool {
	return ctx.finalLocked() && pc.currentArm.empty() && !pc.timerArmed
}

func (pc *pConnection) runnableRead() bool {
	return pc.driver != nil && !pc.readBlocked && !pc.readClosed && pc.driver.ReadBufferSpace() > 0
}

func (pc *pConnection) hasPendingWrite() bool {
	return pc.driver != nil && len(pc.driver.PendingWrite()) > 0
}

// drainDriverEvents pulls every event currently queued on the driver,
// wrapping each as an EventTransport occurrence, preserving the
// driver's own emission order (§5). Called outside the context lock.
func (pc *pConnection) drainDriverEvents() []Event {
	if pc.driver == nil {
		return nil
	}
	var out []Event
	for pc.driver.HasEvent() {
		out = append(out, Event{Type: EventTransport, Connection: pc, Transport: pc.driver.NextEvent()})
	}
	return out
}

func (pc *pConnection) runnableWrite() bool {
	return pc.hasPendingWrite() && !pc.writeBlocked && !pc.writeClosed
}

// doWork is Phase 4 of §4.4, run outside the context lock: connect
// completion/failure, then a user wake injection, then one read
// attempt, then a tick, then a write loop — in that order, preserving
// §5's "reads feed the driver before ticks, ticks before writes."
func (pc *pConnection) doWork(gotWake, gotTick, haveNew bool, events readiness, timerFired bool) {
	if haveNew && !pc.connected {
		// A non-blocking connect() signals completion — success or
		// failure alike — via write-readiness; SO_ERROR distinguishes
		// the two (§6, S3).
		if events.writable {
			if connErr := socketConnectError(pc.fd); connErr != nil {
				if !pc.advanceToNextAddress() {
					pc.failTransport(connErr)
				}
				return
			}
			pc.connected = true
			if pc.driver != nil {
				pc.driver.SetConnected()
			}
		} else if events.hangup || events.errored {
			if !pc.advanceToNextAddress() {
				err := socketConnectError(pc.fd)
				if err == nil {
					err = unix.ECONNREFUSED
				}
				pc.failTransport(err)
			}
			return
		}
	}
	if haveNew {
		if events.readable {
			pc.readBlocked = false
		}
		if events.writable {
			pc.writeBlocked = false
		}
	}

	if timerFired {
		honored, err := pc.connTimer.fired()
		if err != nil {
			pc.log.WithError(err).Warn("connection timer read failed")
		} else if honored > 0 {
			gotTick = true
		}
		if err := pc.context.proactor.mux.modify(pc.connTimerReg, true, false); err != nil {
			fatalf(pc.log, "multiplexer rearm failed for connection timer: %v", err)
		}
	}

	if gotWake && pc.driver != nil {
		pc.driver.Inject()
	}

	didTick := false
	if pc.runnableRead() {
		didTick = pc.doRead()
	}

	if gotTick && !didTick {
		pc.doTick()
	}

	pc.doWrite()
}

func (pc *pConnection) doRead() (invokedTick bool) {
	space := pc.driver.ReadBufferSpace()
	if space <= 0 {
		return false
	}
	buf := make([]byte, space)
	for {
		n, err := unix.Read(pc.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pc.readBlocked = true
			return false
		}
		if err != nil {
			pc.failTransport(err)
			return false
		}
		if n == 0 {
			pc.readClosed = true
			pc.driver.CloseRead()
			return false
		}
		pc.driver.Received(buf[:n])
		pc.doTick()
		return true
	}
}

func (pc *pConnection) doTick() {
	next := pc.driver.Tick(time.Now())
	if next.IsZero() {
		pc.context.mu.Lock()
		pc.timerArmed = false
		pc.context.mu.Unlock()
		if err := pc.connTimer.set(0); err != nil {
			pc.log.WithError(err).Warn("connection timer cancel failed")
		}
		return
	}
	ms := int(time.Until(next) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	pc.context.mu.Lock()
	wasArmed := pc.timerArmed
	pc.timerArmed = true
	pc.context.mu.Unlock()
	if err := pc.connTimer.set(ms); err != nil {
		pc.log.WithError(err).Warn("connection timer arm failed")
		return
	}
	if !wasArmed {
		if err := pc.context.proactor.mux.modify(pc.connTimerReg, true, false); err != nil {
			fatalf(pc.log, "multiplexer rearm failed for connection timer: %v", err)
		}
	}
}

func (pc *pConnection) doWrite() {
	for !pc.writeBlocked && !pc.writeClosed {
		chunk := pc.driver.PendingWrite()
		if len(chunk) == 0 {
			if pc.driver.WriteClosed() {
				pc.writeClosed = true
				unix.Shutdown(pc.fd, unix.SHUT_WR)
			}
			return
		}
		n, err := unix.Write(pc.fd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pc.writeBlocked = true
			return
		}
		if err != nil {
			pc.failTransport(err)
			return
		}
		pc.driver.WriteComplete(n)
		if n < len(chunk) {
			pc.writeBlocked = true
			return
		}
	}
}

// advanceToNextAddress implements the connect-retry behavior of §4.4:
// on HUP/ERR before the socket connects, try the next resolved address
// rather than immediately failing.
func (pc *pConnection) advanceToNextAddress() bool {
	if !pc.connector {
		return false
	}
	unix.Close(pc.fd)
	pc.addrIndex++
	for pc.addrIndex < len(pc.addrs) {
		addr := pc.addrs[pc.addrIndex]
		fd, connected, err := dialNonblocking(addr)
		if err != nil {
			pc.addrIndex++
			continue
		}
		if err := pc.context.proactor.mux.remove(pc.reg); err != nil {
			fatalf(pc.log, "multiplexer remove failed during address retry: %v", err)
		}
		pc.fd = fd
		pc.reg = &registration{fd: fd, kind: regConnIO, conn: pc, wantRead: true, wantWrite: true}
		if err := pc.context.proactor.mux.add(pc.reg); err != nil {
			fatalf(pc.log, "multiplexer add failed during address retry: %v", err)
		}
		pc.context.mu.Lock()
		pc.currentArm = arm{read: true, write: true}
		pc.context.mu.Unlock()
		if connected {
			pc.connected = true
			if pc.driver != nil {
				pc.driver.SetConnected()
			}
		}
		return true
	}
	return false
}

// failTransport surfaces a fatal per-connection error (§7b) onto the
// driver and begins closing.
func (pc *pConnection) failTransport(err error) {
	cond := conditionFromError(err)
	pc.log.WithFields(cond.Fields()).Warn("connection transport error")
	if pc.driver != nil {
		pc.driver.SetTransportError(cond)
	}
	pc.readClosed = true
	pc.writeClosed = true
	ctx := pc.context
	ctx.mu.Lock()
	pc.beginCloseLocked(ctx)
	ctx.mu.Unlock()
}

// beginCloseLocked stops multiplexer registration, cancels the timer
// and drives the driver's close, per §4.4/§4.5's "begin-close" step.
// Must be called with ctx.mu held.
func (pc *pConnection) beginCloseLocked(ctx *epCtx) {
	if pc.disconnected {
		return
	}
	pc.disconnected = true
	ctx.closing = true
	if pc.driver != nil {
		if pc.deferredCondition.IsSet() {
			pc.driver.SetTransportError(pc.deferredCondition)
		}
		pc.driver.Close()
	}
	if !pc.currentArm.empty() {
		if err := ctx.proactor.mux.remove(pc.reg); err != nil {
			fatalf(pc.log, "multiplexer remove failed on close: %v", err)
		}
		pc.currentArm = arm{}
	}
	if pc.timerArmed {
		_ = pc.connTimer.set(0)
		pc.timerArmed = false
	}
}

// cleanup is the final free path: called once finalLocked is true and
// ctx.closing is set, with no lock held.
func (pc *pConnection) cleanup(ctx *epCtx) {
	if pc.cleanedUp {
		return
	}
	pc.cleanedUp = true
	_ = ctx.proactor.mux.remove(pc.connTimerReg)
	_ = pc.connTimer.close()
	unix.Close(pc.fd)
	ctx.proactor.removeEndpoint(ctx)
	pc.log.Debug("connection cleaned up")
}
