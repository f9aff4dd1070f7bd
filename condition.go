package proactor

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Condition is the inert error/description pair attached to endpoints on
// fatal transport or listener errors, and to connections swept by
// Proactor.Disconnect. The AMQP condition-formatting machinery itself is
// out of scope here (§1); this is just the narrow surface the driver and
// the disconnect sweep need to hand conditions to each other.
type Condition struct {
	Name        string
	Description string
}

// String renders the condition the way AMQP condition names are usually
// logged: "name(description)".
func (c Condition) String() string {
	if c.Name == "" && c.Description == "" {
		return ""
	}
	return fmt.Sprintf("%s(%s)", c.Name, c.Description)
}

// IsSet reports whether the condition carries any information.
func (c Condition) IsSet() bool {
	return c.Name != "" || c.Description != ""
}

// Fields renders the condition as logrus.Fields for structured logging.
func (c Condition) Fields() logrus.Fields {
	if !c.IsSet() {
		return logrus.Fields{}
	}
	return logrus.Fields{"condition_name": c.Name, "condition_description": c.Description}
}

// conditionFromError builds a transport-error condition the way the
// excluded AMQP engine would name its framing/IO errors. The condition,
// amqp: prefix included, is logged and handed to the driver through
// SetTransportError.
func conditionFromError(err error) Condition {
	if err == nil {
		return Condition{}
	}
	return Condition{Name: "amqp:connection:io-error", Description: err.Error()}
}
