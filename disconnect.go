package proactor

// Disconnect implements §4.8's disconnect sweep: every connection and
// listener currently registered with the proactor is scheduled for a
// begin-close with the given condition attached, without the sweep
// itself ever taking more than one endpoint's lock at a time.
//
// The sweep is two-step because the proactor's endpoint list is only
// ever walked under the proactor's list lock (listMu), but the
// per-endpoint
// closing flags can only be set under that endpoint's own lock — and
// the lock ordering rule is endpoint-lock-then-wake-queue-lock, never
// proactor-list-lock-then-endpoint-lock while holding it across a call
// out. So step one collects a snapshot of endpoint contexts under the
// list lock and releases it; step two walks the snapshot, taking (and
// releasing) one endpoint lock at a time.
func (p *Proactor) Disconnect(cond Condition) {
	p.listMu.Lock()
	snapshot := make([]*epCtx, 0, p.endpointCount)
	for ctx := p.endpoints; ctx != nil; ctx = ctx.next {
		snapshot = append(snapshot, ctx)
	}
	p.listMu.Unlock()

	for _, ctx := range snapshot {
		p.disconnectOne(ctx, cond)
	}
}

// disconnectOne marks a single endpoint for begin-close and wakes it,
// per §4.8's per-context step of the sweep.
func (p *Proactor) disconnectOne(ctx *epCtx, cond Condition) {
	var shouldSignal bool

	ctx.mu.Lock()
	switch owner := ctx.owner.(type) {
	case *pConnection:
		owner.queuedDisconnect = true
		owner.deferredCondition = cond
	case *pListener:
		owner.queuedDisconnect = true
		owner.deferredCondition = cond
	}
	shouldSignal = ctx.wakeLocked()
	ctx.mu.Unlock()

	if shouldSignal {
		if err := p.wakeQ.notify(); err != nil {
			fatalf(p.log, "wake signal write failed during disconnect sweep: %v", err)
		}
	}
}
