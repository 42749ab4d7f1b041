package reconnect

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/transport"
)

// Connector makes one connection attempt. On success it returns a channel
// that receives the Disconnect when the connection closes.
type Connector interface {
	Connect(ctx context.Context) (<-chan transport.Disconnect, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (<-chan transport.Disconnect, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (<-chan transport.Disconnect, error) {
	return f(ctx)
}

// Transition describes one state change of a Runner.
type Transition struct {
	From, To State
	Reason   transport.DisconnectReason
	Attempt  int
	Delay    time.Duration
}

// TerminalError is returned by Run when a terminal reason stopped
// reconnection.
type TerminalError struct {
	Reason transport.DisconnectReason
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconnection stopped: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("reconnection stopped: %s", e.Reason)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Runner drives a Machine.
type Runner struct {
	Connector Connector
	Policy    Policy
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	// OnTransition is called on every state change, on the Run goroutine.
	OnTransition func(Transition)
}

// Run connects and keeps reconnecting until a terminal reason or ctx ends.
// It returns a *TerminalError or ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	clk := clock.OrReal(r.Clock)
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("package", "reconnect")

	m := NewMachine(r.Policy)
	var lastErr error
	step := func(in Input) Action {
		next, act := m.Step(in, clk.Now())
		if next.State != m.State && r.OnTransition != nil {
			r.OnTransition(Transition{
				From:    m.State,
				To:      next.State,
				Reason:  next.LastReason,
				Attempt: next.Attempt,
				Delay:   act.Delay,
			})
		}
		m = next
		return act
	}

	act := step(Input{Kind: InputStart})
	for {
		switch act.Kind {
		case ActionConnect:
			closed, err := r.Connector.Connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					step(Input{Kind: InputStop})
					return ctx.Err()
				}
				lastErr = err
				reason := transport.ReasonForError(err)
				logger.WithFields(logrus.Fields{
					"function": "Run",
					"attempt":  m.Attempt,
					"reason":   reason.String(),
					"error":    err.Error(),
				}).Warn("Connection attempt failed")
				act = step(Input{Kind: InputDisconnected, Reason: reason})
				continue
			}
			step(Input{Kind: InputConnected})
			select {
			case d := <-closed:
				lastErr = d.Err
				act = step(Input{Kind: InputDisconnected, Reason: d.Reason})
			case <-ctx.Done():
				step(Input{Kind: InputStop})
				return ctx.Err()
			}
		case ActionWait:
			logger.WithFields(logrus.Fields{
				"function": "Run",
				"attempt":  m.Attempt,
				"delay":    act.Delay.String(),
				"reason":   act.Reason.String(),
			}).Info("Reconnecting after backoff")
			select {
			case <-clk.After(act.Delay):
				act = step(Input{Kind: InputRetry})
			case <-ctx.Done():
				step(Input{Kind: InputStop})
				return ctx.Err()
			}
		case ActionStop:
			logger.WithFields(logrus.Fields{
				"function": "Run",
				"reason":   act.Reason.String(),
			}).Info("Reconnection stopped")
			return &TerminalError{Reason: act.Reason, Err: lastErr}
		default:
			return fmt.Errorf("reconnect: no action in state %s", m.State)
		}
	}
}
