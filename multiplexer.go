package proactor

// regKind tags a multiplexer registration the way §4.1 describes: "Tag ∈
// {wake, connection-io, connection-timer, listener-io, proactor-timer}."
type regKind int

const (
	regWake regKind = iota
	regConnIO
	regConnTimer
	regListenerIO
	regProactorTimer
)

func (k regKind) String() string {
	switch k {
	case regWake:
		return "wake"
	case regConnIO:
		return "connection-io"
	case regConnTimer:
		return "connection-timer"
	case regListenerIO:
		return "listener-io"
	case regProactorTimer:
		return "proactor-timer"
	default:
		return "unknown"
	}
}

// registration is the small descriptor record the multiplexer stores per
// fd, per §4.1: "owning endpoint or null-for-proactor, fd, tag,
// wanted-bits, polling-flag."
type registration struct {
	fd        int
	kind      regKind
	conn      *pConnection
	listener  *pListener
	wantRead  bool
	wantWrite bool
	// armed is false immediately after a one-shot delivery until the
	// owner explicitly rearms it.
	armed bool
}

// polledEvent is one readiness notification returned from a multiplexer
// wait call, already resolved back to its registration.
type polledEvent struct {
	reg      *registration
	readable bool
	writable bool
	hangup   bool
	errored  bool
}

// multiplexer is the single kernel-level edge-notification set of §4.1:
// one fd per registered concern, always registered one-shot, always
// rearmed by an explicit modify call that re-supplies the current
// interest set. Implemented per-OS in multiplexer_linux.go (epoll) and
// multiplexer_darwin.go (kqueue).
type multiplexer interface {
	// add registers reg.fd for reg.wantRead/reg.wantWrite, one-shot.
	// A failure here is internal-fatal (§4.1).
	add(reg *registration) error
	// modify re-arms reg.fd for the given interest, one-shot. A failure
	// here is internal-fatal (§4.1).
	modify(reg *registration, wantRead, wantWrite bool) error
	// remove unregisters reg.fd. A failure here is internal-fatal
	// (§4.1).
	remove(reg *registration) error
	// wait blocks (timeoutMs < 0), polls (timeoutMs == 0) or waits up to
	// timeoutMs milliseconds for readiness, returning the batch of
	// events observed in a single kernel call (§2: "at most one
	// multiplexer system call per loop iteration").
	wait(timeoutMs int) ([]polledEvent, error)
	close() error
}
