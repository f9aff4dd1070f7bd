package proactor

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger builds the default entry used when a Proactor is created
// without an explicit WithLogger option, mirroring nabbar-golib/logger's
// "wrap a *logrus.Logger, hand out scoped *logrus.Entry" pattern.
func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l)
}

// endpointLogger scopes a logger to a single endpoint id, the way a
// request-scoped logger is derived in nabbar-golib.
func endpointLogger(base *logrus.Entry, kind, id string) *logrus.Entry {
	return base.WithFields(logrus.Fields{"endpoint_kind": kind, "endpoint_id": id})
}

// fatalf logs an internal-fatal condition (§7d: multiplexer add/modify/
// delete failures, signal-fd write failures) and aborts the calling
// goroutine. These are never expected to trigger outside of kernel
// resource exhaustion, which the design assumes is handled elsewhere.
func fatalf(log *logrus.Entry, format string, args ...interface{}) {
	log.Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}
