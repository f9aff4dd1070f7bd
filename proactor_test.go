package proactor

import (
	"testing"
	"time"

	"github.com/meshlink/proactor/internal/echodriver"
	"github.com/stretchr/testify/require"
)

// TestListenAccept checks the accept half of an S1-style scenario: a
// client Connect to a listener on 127.0.0.1:0 produces a
// PN_LISTENER_ACCEPT through Wait/Done, Proactor.Accept wires it into a
// Connection driven by an echo driver, and the client Connect succeeds.
func TestListenAccept(t *testing.T) {
	p, err := Create()
	require.NoError(t, err)
	defer p.Free()

	l, err := p.Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NotEmpty(t, l.socks, "expected at least one bound socket")
	addr := l.socks[0].addr.String()

	clientDone := make(chan error, 1)
	go func() {
		cd := echodriver.New(0)
		_, err := p.Connect(addr, cd)
		clientDone <- err
	}()

	var accepted *Connection
	deadline := time.Now().Add(3 * time.Second)
	for accepted == nil && time.Now().Before(deadline) {
		b, err := p.Wait()
		require.NoError(t, err)
		if b == nil {
			continue
		}
		for {
			ev, ok := b.Next()
			if !ok {
				break
			}
			if ev.Type == EventListenerAccept {
				conn, err := p.Accept(ev.Transport, echodriver.New(0))
				require.NoError(t, err)
				accepted = conn
			}
		}
		require.NoError(t, p.Done(b))
	}
	require.NotNil(t, accepted, "listener never produced an accept event")
	require.NoError(t, <-clientDone)
}

// TestDisconnectSweepClosesEverything issues a Disconnect across an
// idle listener and confirms the sweep produces a PN_LISTENER_CLOSE
// event without the caller needing to touch the listener directly, per
// §4.8.
func TestDisconnectSweepClosesEverything(t *testing.T) {
	p, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Free()

	l, err := p.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	p.Disconnect(Condition{Name: "amqp:connection:forced", Description: "shutdown"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, err := p.Wait()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if b == nil {
			continue
		}
		for {
			ev, ok := b.Next()
			if !ok {
				break
			}
			if ev.Type == EventListenerClose {
				if err := p.Done(b); err != nil {
					t.Fatalf("Done: %v", err)
				}
				return
			}
		}
		if err := p.Done(b); err != nil {
			t.Fatalf("Done: %v", err)
		}
	}
	_ = l
	t.Fatal("disconnect sweep never produced a listener-close event")
}

// TestInterruptIsNeverCoalesced issues two Interrupt calls back to back
// and confirms both produce distinct PN_PROACTOR_INTERRUPT events,
// per §4.7.
func TestInterruptIsNeverCoalesced(t *testing.T) {
	p, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Free()

	p.Interrupt()
	p.Interrupt()

	seen := 0
	deadline := time.Now().Add(3 * time.Second)
	for seen < 2 && time.Now().Before(deadline) {
		b, err := p.Wait()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if b == nil {
			continue
		}
		for {
			ev, ok := b.Next()
			if !ok {
				break
			}
			if ev.Type == EventProactorInterrupt {
				seen++
			}
		}
		if err := p.Done(b); err != nil {
			t.Fatalf("Done: %v", err)
		}
	}
	if seen != 2 {
		t.Fatalf("expected exactly 2 distinct interrupt events, got %d", seen)
	}
}
