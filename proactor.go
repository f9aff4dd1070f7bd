package proactor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures a Proactor at construction time, mirroring the
// functional-options style several of the example repos use for their
// top-level constructors.
type Option func(*Proactor)

// WithLogger overrides the default stderr logrus entry.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Proactor) { p.log = log }
}

// WithBacklog overrides the default listen(2) backlog used by Listen.
func WithBacklog(n int) Option {
	return func(p *Proactor) { p.backlog = n }
}

const defaultBacklog = 128

// Proactor is the top-level event-delivery engine of §2/§3: it
// multiplexes every registered connection and listener socket, plus its
// own wake and timeout fds, and hands worker threads one Batch at a
// time through Wait/Get, with Done returning ownership so the next
// round of work on that endpoint can proceed.
type Proactor struct {
	log     *logrus.Entry
	backlog int

	mux multiplexer

	wakeQ  *wakeQueue
	wakeReg *registration

	proactorTimer    *oneShotTimer
	proactorTimerReg *registration
	timeoutArmed     bool

	context *epCtx

	listMu        sync.Mutex
	endpoints     *epCtx
	endpointCount int
	hadEndpoint   bool
	inactiveSent  bool

	readyMu sync.Mutex
	readyCV *sync.Cond
	ready   []*Batch
	leading bool
	closed  bool

	interruptMu   sync.Mutex
	interruptOps  int

	events eventQueue
}

// Create builds a Proactor and starts its internal wake/timer
// registrations, per §4.6's "the proactor is itself one more context
// the multiplexer watches."
func Create(opts ...Option) (*Proactor, error) {
	p := &Proactor{
		log:     newLogger(),
		backlog: defaultBacklog,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.readyCV = sync.NewCond(&p.readyMu)
	p.context = newEpCtx(p, ctxProactor)
	p.context.owner = p

	mux, err := newMultiplexer()
	if err != nil {
		return nil, err
	}
	p.mux = mux

	wq, err := newWakeQueue()
	if err != nil {
		_ = mux.close()
		return nil, err
	}
	p.wakeQ = wq
	p.wakeReg = &registration{fd: wq.fd(), kind: regWake, wantRead: true}
	if err := p.mux.add(p.wakeReg); err != nil {
		_ = wq.close()
		_ = mux.close()
		return nil, err
	}

	timer, err := newOneShotTimer()
	if err != nil {
		_ = wq.close()
		_ = mux.close()
		return nil, err
	}
	p.proactorTimer = timer
	p.proactorTimerReg = &registration{fd: timer.fd(), kind: regProactorTimer, wantRead: true}
	if err := p.mux.add(p.proactorTimerReg); err != nil {
		_ = timer.close()
		_ = wq.close()
		_ = mux.close()
		return nil, err
	}

	return p, nil
}

// addEndpoint links ctx into the proactor's endpoint list, under the
// list lock (§3).
func (p *Proactor) addEndpoint(ctx *epCtx) {
	p.listMu.Lock()
	ctx.next = p.endpoints
	ctx.prev = nil
	if p.endpoints != nil {
		p.endpoints.prev = ctx
	}
	p.endpoints = ctx
	p.endpointCount++
	p.hadEndpoint = true
	p.inactiveSent = false
	p.listMu.Unlock()
}

// removeEndpoint unlinks ctx from the proactor's endpoint list. When
// the count reaches zero, having previously been non-zero, it arranges
// for exactly one PN_PROACTOR_INACTIVE event (§4.7).
func (p *Proactor) removeEndpoint(ctx *epCtx) {
	p.listMu.Lock()
	if ctx.prev != nil {
		ctx.prev.next = ctx.next
	} else if p.endpoints == ctx {
		p.endpoints = ctx.next
	}
	if ctx.next != nil {
		ctx.next.prev = ctx.prev
	}
	ctx.prev, ctx.next = nil, nil
	p.endpointCount--
	becameInactive := p.endpointCount == 0 && p.hadEndpoint && !p.inactiveSent
	if becameInactive {
		p.inactiveSent = true
	}
	p.listMu.Unlock()

	if becameInactive {
		p.context.mu.Lock()
		p.events.push(Event{Type: EventProactorInactive})
		p.context.mu.Unlock()
		if err := p.wakeQ.notify(); err != nil {
			fatalf(p.log, "wake signal write failed: %v", err)
		}
	}
}

// Interrupt implements §4.7: "each Interrupt call guarantees a distinct
// PN_PROACTOR_INTERRUPT event — interrupts are never coalesced, unlike
// ordinary wakes." It bypasses the wake-queue's per-context coalescing
// entirely via its own counter and always forces a signal-fd write; the
// proactor's own context is checked for interrupts unconditionally on
// every wake-fd readiness (see processSelf), not via the coalescing
// linked list.
func (p *Proactor) Interrupt() {
	p.interruptMu.Lock()
	p.interruptOps++
	p.interruptMu.Unlock()
	if err := p.wakeQ.notify(); err != nil {
		fatalf(p.log, "wake signal write failed: %v", err)
	}
}

// SetTimeout arms the proactor-wide timer that produces
// PN_PROACTOR_TIMEOUT events (§4.7), coalesced: a PN_PROACTOR_TIMEOUT
// is delivered at most once per expiry regardless of how many waiting
// threads there are.
func (p *Proactor) SetTimeout(d time.Duration) error {
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	if err := p.proactorTimer.set(ms); err != nil {
		return err
	}
	p.context.mu.Lock()
	wasArmed := p.timeoutArmed
	p.timeoutArmed = true
	p.context.mu.Unlock()
	if !wasArmed {
		if err := p.mux.modify(p.proactorTimerReg, true, false); err != nil {
			fatalf(p.log, "multiplexer rearm failed for proactor timer: %v", err)
		}
	}
	return nil
}

// CancelTimeout disarms the proactor-wide timer.
func (p *Proactor) CancelTimeout() error {
	if err := p.proactorTimer.set(0); err != nil {
		return err
	}
	p.context.mu.Lock()
	p.timeoutArmed = false
	p.context.mu.Unlock()
	return nil
}

// Now returns the proactor's notion of the current time, a thin wrapper
// kept so driver Tick deadlines and test fakes share one clock source.
func (p *Proactor) Now() time.Time { return time.Now() }

// Wait blocks until at least one Batch of events is ready and returns
// it, per §4.6. Multiple worker-thread goroutines may call Wait
// concurrently; at most one of them performs the underlying
// multiplexer syscall at a time (§2), the rest either receive a
// pre-classified Batch or wait for the leader to finish its round.
func (p *Proactor) Wait() (*Batch, error) {
	return p.waitTimeout(-1)
}

// Get is the non-blocking counterpart of Wait: it performs at most one
// multiplexer poll (timeout zero) and returns immediately with nil if
// nothing is ready yet.
func (p *Proactor) Get() (*Batch, error) {
	return p.waitTimeout(0)
}

func (p *Proactor) waitTimeout(timeoutMs int) (*Batch, error) {
	for {
		p.readyMu.Lock()
		if p.closed {
			p.readyMu.Unlock()
			return nil, ErrProactorClosed
		}
		if len(p.ready) > 0 {
			b := p.ready[0]
			p.ready = p.ready[1:]
			p.readyMu.Unlock()
			return b, nil
		}
		if p.leading {
			if timeoutMs == 0 {
				p.readyMu.Unlock()
				return nil, nil
			}
			p.readyCV.Wait()
			p.readyMu.Unlock()
			continue
		}
		p.leading = true
		p.readyMu.Unlock()

		batches, err := p.pollOnce(timeoutMs)

		p.readyMu.Lock()
		p.leading = false
		p.ready = append(p.ready, batches...)
		p.readyCV.Broadcast()
		if len(p.ready) > 0 {
			b := p.ready[0]
			p.ready = p.ready[1:]
			p.readyMu.Unlock()
			return b, err
		}
		p.readyMu.Unlock()
		if err != nil {
			return nil, err
		}
		if timeoutMs == 0 {
			return nil, nil
		}
	}
}

// pollOnce performs exactly one multiplexer wait call and dispatches
// every returned readiness to its owning endpoint's process method,
// per §2/§4.6. It is only ever called by whichever goroutine currently
// holds the leader role.
func (p *Proactor) pollOnce(timeoutMs int) ([]*Batch, error) {
	events, err := p.mux.wait(timeoutMs)
	if err != nil {
		return nil, err
	}

	var out []*Batch
	for _, ev := range events {
		switch ev.reg.kind {
		case regWake:
			out = append(out, p.dispatchWake()...)
			if b := p.processSelf(); b != nil {
				out = append(out, b)
			}
			if err := p.mux.modify(p.wakeReg, true, false); err != nil {
				fatalf(p.log, "multiplexer rearm failed for wake fd: %v", err)
			}
		case regProactorTimer:
			p.dispatchProactorTimeout()
			if b := p.processSelf(); b != nil {
				out = append(out, b)
			}
		case regConnIO:
			b := ev.reg.conn.process(connSignal{
				ready:     readiness{readable: ev.readable, writable: ev.writable, hangup: ev.hangup, errored: ev.errored},
				haveReady: true,
			})
			if b != nil {
				out = append(out, b)
			}
		case regConnTimer:
			b := ev.reg.conn.process(connSignal{timeout: true})
			if b != nil {
				out = append(out, b)
			}
		case regListenerIO:
			b := ev.reg.listener.process(p, listenerSignal{sock: findSock(ev.reg.listener, ev.reg.fd), haveReady: true})
			if b != nil {
				out = append(out, b)
			}
		}
	}
	return filterNilBatches(out), nil
}

func findSock(pl *pListener, fd int) *listenSock {
	for _, s := range pl.socks {
		if s.fd == fd {
			return s
		}
	}
	return nil
}

func filterNilBatches(in []*Batch) []*Batch {
	out := in[:0]
	for _, b := range in {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// dispatchWake drains the wake queue (§4.3) and routes each popped
// context to its owner's process method with wake=true.
func (p *Proactor) dispatchWake() []*Batch {
	var out []*Batch
	for {
		ctx, err := p.wakeQ.popFront()
		if err != nil {
			fatalf(p.log, "wake signal drain failed: %v", err)
		}
		if ctx == nil {
			break
		}
		switch owner := ctx.owner.(type) {
		case *pConnection:
			if b := owner.process(connSignal{wake: true}); b != nil {
				out = append(out, b)
			}
		case *pListener:
			if b := owner.process(p, listenerSignal{wake: true}); b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}

// processSelf delivers the proactor's own queued events (INTERRUPT,
// TIMEOUT, INACTIVE) as a Batch, per §4.7. Unlike connection/listener
// wakes it is not gated by the coalescing wake-queue linked list: it is
// checked unconditionally on every wake-fd readiness, because
// Interrupt's "never coalesced" guarantee means more than one interrupt
// can be outstanding at once and each needs its own drain round.
func (p *Proactor) processSelf() *Batch {
	ctx := p.context
	ctx.mu.Lock()
	if !ctx.claimLocked(false) {
		ctx.mu.Unlock()
		return nil
	}
	if p.takeInterruptLocked() {
		p.events.push(Event{Type: EventProactorInterrupt})
	}
	if p.events.empty() {
		ctx.releaseLocked()
		ctx.mu.Unlock()
		return nil
	}
	ctx.mu.Unlock()
	return &Batch{kind: batchProactor, proactor: p}
}

func (p *Proactor) takeInterruptLocked() bool {
	p.interruptMu.Lock()
	defer p.interruptMu.Unlock()
	if p.interruptOps > 0 {
		p.interruptOps--
		return true
	}
	return false
}

// dispatchProactorTimeout handles the proactor timer fd becoming
// readable: reconciles against oneShotTimer's pending/skip bookkeeping
// and, if still honored, queues exactly one PN_PROACTOR_TIMEOUT. It does
// not claim the proactor context or hand out a Batch itself — only
// processSelf is allowed to do that, so that a wake-fd and a timer-fd
// readiness landing in the same pollOnce round can never produce two
// outstanding batchProactor batches draining the same unsynchronized
// p.events concurrently.
func (p *Proactor) dispatchProactorTimeout() {
	honored, err := p.proactorTimer.fired()
	if err != nil {
		p.log.WithError(err).Warn("proactor timer read failed")
	}
	if err := p.mux.modify(p.proactorTimerReg, true, false); err != nil {
		fatalf(p.log, "multiplexer rearm failed for proactor timer: %v", err)
	}
	if honored == 0 {
		return
	}
	p.context.mu.Lock()
	p.timeoutArmed = false
	p.events.push(Event{Type: EventProactorTimeout})
	p.context.mu.Unlock()
}

// Done releases ownership of the endpoint (or the proactor itself) that
// produced batch, performing whatever rearm/cleanup work was deferred
// while the application drained its events (§4.6's three-call
// lifecycle: wait/get hands out a Batch, the application drains it with
// Next, then calls Done to hand ownership back).
func (p *Proactor) Done(b *Batch) error {
	if b == nil {
		return ErrNoBatch
	}
	var next *Batch
	switch b.kind {
	case batchConnection:
		next = b.connection.process(connSignal{topup: true})
	case batchListener:
		next = b.listener.process(p, listenerSignal{topup: true})
	case batchProactor:
		p.context.mu.Lock()
		p.context.releaseLocked()
		p.context.mu.Unlock()
		next = p.processSelf()
	default:
		return ErrNoBatch
	}
	if next != nil {
		p.readyMu.Lock()
		p.ready = append(p.ready, next)
		p.readyCV.Broadcast()
		p.readyMu.Unlock()
	}
	return nil
}

// Connect starts a non-blocking outbound connection to address, driving
// driver once the socket connects (or fails) and thereafter for all of
// its read/write/tick traffic, per §6.
func (p *Proactor) Connect(address string, driver Driver) (*Connection, error) {
	addrs, err := resolveConnectAddrs(address)
	if err != nil {
		return nil, err
	}
	pc, err := newPConnection(p, driver)
	if err != nil {
		return nil, err
	}
	pc.connector = true
	pc.addrs = addrs

	var fd int
	var connected bool
	for pc.addrIndex = 0; pc.addrIndex < len(addrs); pc.addrIndex++ {
		fd, connected, err = dialNonblocking(addrs[pc.addrIndex])
		if err == nil {
			break
		}
	}
	if err != nil {
		_ = pc.connTimer.close()
		return nil, err
	}

	if err := pc.start(p, fd, true, true); err != nil {
		_ = pc.connTimer.close()
		return nil, err
	}
	if connected {
		pc.connected = true
		driver.SetConnected()
	}
	return pc, nil
}

// Accept wires a socket already accepted by a listener's Batch
// (carried as acceptedConn in an EventListenerAccept's Transport field)
// into a new Connection driven by driver, per §6.
func (p *Proactor) Accept(accepted interface{}, driver Driver) (*Connection, error) {
	ac, ok := accepted.(acceptedConn)
	if !ok {
		return nil, ErrUnsupportedConn
	}
	if ac.listener != nil {
		ac.listener.acceptConsumed(p)
	}
	pc, err := newPConnection(p, driver)
	if err != nil {
		return nil, err
	}
	pc.connected = true
	pc.remote = ac.remote
	if err := pc.start(p, ac.fd, true, false); err != nil {
		_ = pc.connTimer.close()
		return nil, err
	}
	driver.SetConnected()
	return pc, nil
}

// Listen starts listening on address and returns the Listener that will
// deliver PN_LISTENER_ACCEPT events through Wait/Get, per §6.
func (p *Proactor) Listen(address string) (*Listener, error) {
	addrs, err := resolveListenAddrs(address)
	if err != nil {
		return nil, err
	}
	pl := newPListener(p, p.backlog)
	if err := pl.start(p, addrs); err != nil {
		return nil, err
	}
	return pl, nil
}

// Free shuts the proactor down: it closes the proactor's own fds (wake
// signal, proactor timer, multiplexer) and wakes goroutines waiting in
// Wait behind the leader, which then return ErrProactorClosed. A
// goroutine already blocked in the multiplexer call is not woken by
// Free. Outstanding connections/listeners are not forcibly closed;
// callers should Disconnect first if a clean sweep is wanted.
func (p *Proactor) Free() error {
	p.readyMu.Lock()
	p.closed = true
	p.readyCV.Broadcast()
	p.readyMu.Unlock()

	var firstErr error
	if err := p.proactorTimer.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.wakeQ.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.mux.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
