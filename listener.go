package proactor

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Listener is the public name for a listener endpoint.
type Listener = pListener

// pListener is the listener endpoint of §3: one or more bound sockets
// (typically one per resolved address family), a shared accept
// backlog, and a context.
type pListener struct {
	context *epCtx
	log     *logrus.Entry

	socks []*listenSock

	queuedDisconnect  bool
	deferredCondition Condition

	closing   bool
	cleanedUp bool

	events eventQueue

	backlog int

	// pendingAccepts counts PN_LISTENER_ACCEPT events delivered to the
	// application but not yet consumed by a matching Proactor.Accept
	// call. Per §4.5/§3's acceptable/accepted/armed model, a socket that
	// produced an accept must not be rearmed in the multiplexer until
	// every outstanding accept it is responsible for has been consumed,
	// so a fired PN_LISTENER_ACCEPT can never refire before the
	// application catches up.
	pendingAccepts int
}

// listenSock is one bound-and-listening socket belonging to a listener;
// a dual-stack bind (§6) produces two of these under one pListener.
type listenSock struct {
	fd       int
	reg      *registration
	addr     resolvedAddr
	armed    bool
	draining bool
}

func newPListener(p *Proactor, backlog int) *pListener {
	ctx := newEpCtx(p, ctxListener)
	pl := &pListener{
		context: ctx,
		log:     endpointLogger(p.log, "listener", ctx.id.String()),
		backlog: backlog,
	}
	ctx.owner = pl
	return pl
}

// start binds addrs and registers each resulting socket for read
// (accept) readiness, one-shot, per §4.5.
func (pl *pListener) start(p *Proactor, addrs []resolvedAddr) error {
	for _, addr := range addrs {
		fd, err := listenSocket(addr, pl.backlog)
		if err != nil {
			pl.closeSocksOpened()
			return err
		}
		sock := &listenSock{fd: fd, addr: addr}
		sock.reg = &registration{fd: fd, kind: regListenerIO, listener: pl, wantRead: true}
		if err := p.mux.add(sock.reg); err != nil {
			unix.Close(fd)
			pl.closeSocksOpened()
			return err
		}
		sock.armed = true
		pl.socks = append(pl.socks, sock)
	}
	pl.events.push(Event{Type: EventListenerOpen, Listener: pl})
	p.addEndpoint(pl.context)
	return nil
}

func (pl *pListener) closeSocksOpened() {
	for _, s := range pl.socks {
		unix.Close(s.fd)
	}
	pl.socks = nil
}

// listenerSignal is the union of ways process() can be invoked for a
// listener: readiness on one of its sockets, or a wake (disconnect/close
// request).
type listenerSignal struct {
	sock      *listenSock
	haveReady bool
	wake      bool
	topup     bool
}

// process is pn_listener processing per §4.5: claim, early-terminate,
// drain queued events, accept up to hogMax connections per readiness,
// and clean up a closed listener once its events have been drained.
// Rearming a fired socket is left to acceptConsumed.
func (pl *pListener) process(p *Proactor, sig listenerSignal) *Batch {
	ctx := pl.context

	ctx.mu.Lock()
	if sig.wake {
		ctx.wakeDoneLocked()
	}
	if !ctx.claimLocked(sig.topup) {
		ctx.mu.Unlock()
		return nil
	}

	if ctx.closing && pl.finalLocked(ctx) {
		ctx.mu.Unlock()
		pl.cleanup(p)
		return nil
	}

	// A readiness signal is not stored anywhere else, so it is acted on
	// now even when earlier events are still queued; the accepts are
	// queued behind them.
	if !pl.events.empty() && !sig.haveReady {
		ctx.mu.Unlock()
		return &Batch{kind: batchListener, listener: pl}
	}

	if pl.queuedDisconnect {
		pl.queuedDisconnect = false
		pl.beginCloseLocked(p)
	}
	ctx.mu.Unlock()

	accepted := 0
	if sig.haveReady && !pl.closing {
		for accepted < hogMax {
			fd, remote, err := acceptNonblocking(sig.sock.fd)
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				pl.log.WithError(err).Warn("accept failed")
				break
			}
			ctx.mu.Lock()
			pl.events.push(Event{Type: EventListenerAccept, Listener: pl, Transport: acceptedConn{fd: fd, remote: remote, listener: pl}})
			pl.pendingAccepts++
			ctx.mu.Unlock()
			accepted++
		}
	}

	// §4.5: the socket that just fired stays disarmed (one-shot) until
	// every accept it produced this round has been consumed by the
	// application via Proactor.Accept — rearming here, before that
	// happens, would let PN_LISTENER_ACCEPT refire unconsumed.
	ctx.mu.Lock()
	if sig.haveReady {
		sig.sock.armed = false
	}
	if ctx.closing && pl.finalLocked(ctx) {
		ctx.mu.Unlock()
		pl.cleanup(p)
		return nil
	}
	pending := !pl.events.empty()
	ctx.releaseLocked()
	if !pending && ctx.closing && pl.finalLocked(ctx) {
		ctx.mu.Unlock()
		pl.cleanup(p)
		return nil
	}
	ctx.mu.Unlock()

	if pending {
		return &Batch{kind: batchListener, listener: pl}
	}
	return nil
}

// acceptConsumed is called from Proactor.Accept once the application has
// wired a single accepted connection, per §4.5's deferred-rearm rule:
// only once every PN_LISTENER_ACCEPT delivered so far has been consumed
// may this listener's disarmed sockets go back on the multiplexer.
func (pl *pListener) acceptConsumed(p *Proactor) {
	ctx := pl.context
	ctx.mu.Lock()
	if pl.pendingAccepts > 0 {
		pl.pendingAccepts--
	}
	var toRearm []*listenSock
	if pl.pendingAccepts == 0 && !pl.closing {
		for _, s := range pl.socks {
			if !s.armed {
				toRearm = append(toRearm, s)
			}
		}
	}
	ctx.mu.Unlock()

	for _, s := range toRearm {
		if err := p.mux.modify(s.reg, true, false); err != nil {
			fatalf(pl.log, "multiplexer rearm failed for listener %s: %v", ctx.id, err)
			continue
		}
		ctx.mu.Lock()
		s.armed = true
		ctx.mu.Unlock()
	}
}

// acceptedConn carries a freshly accepted socket from a listener's
// accept loop to whatever Connection the application wires it into via
// Proactor.Accept.
type acceptedConn struct {
	fd       int
	remote   string
	listener *pListener
}

func (pl *pListener) finalLocked(ctx *epCtx) bool {
	if !ctx.finalLocked() {
		return false
	}
	for _, s := range pl.socks {
		if s.armed {
			return false
		}
	}
	return true
}

// beginCloseLocked stops accepting and marks every socket for removal.
// Must be called with ctx.mu held.
func (pl *pListener) beginCloseLocked(p *Proactor) {
	if pl.closing {
		return
	}
	pl.closing = true
	ctx := pl.context
	ctx.closing = true
	for _, s := range pl.socks {
		if s.armed {
			if err := p.mux.remove(s.reg); err != nil {
				fatalf(pl.log, "multiplexer remove failed on listener close: %v", err)
			}
			s.armed = false
		}
	}
	pl.events.push(Event{Type: EventListenerClose, Listener: pl, Condition: pl.deferredCondition})
}

func (pl *pListener) cleanup(p *Proactor) {
	if pl.cleanedUp {
		return
	}
	pl.cleanedUp = true
	for _, s := range pl.socks {
		unix.Close(s.fd)
	}
	p.removeEndpoint(pl.context)
	pl.log.Debug("listener cleaned up")
}

// Close requests the listener begin closing, per §6's external hook.
func (pl *pListener) Close() {
	ctx := pl.context
	ctx.mu.Lock()
	pl.queuedDisconnect = true
	shouldSignal := ctx.wakeLocked()
	ctx.mu.Unlock()
	if shouldSignal {
		if err := ctx.proactor.wakeQ.notify(); err != nil {
			fatalf(pl.log, "wake signal write failed: %v", err)
		}
	}
}
