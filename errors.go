package proactor

import "errors"

var (
	// ErrProactorClosed means the proactor has been freed and no longer accepts work.
	ErrProactorClosed = errors.New("proactor: closed")
	// ErrListenerClosed means the listener has already begun closing.
	ErrListenerClosed = errors.New("proactor: listener closed")
	// ErrConnectionClosed means the connection has already begun closing.
	ErrConnectionClosed = errors.New("proactor: connection closed")
	// ErrUnsupportedConn means the value passed to Proactor.Accept is not
	// the accepted-socket Transport of an EventListenerAccept.
	ErrUnsupportedConn = errors.New("proactor: unsupported connection type")
	// ErrBadAddress means the address string could not be parsed or resolved.
	ErrBadAddress = errors.New("proactor: invalid address")
	// ErrNoBatch is returned by Done when the batch is nil or of no known
	// kind. Done does not detect a batch that has already been passed to it.
	ErrNoBatch = errors.New("proactor: batch already released")
)
