package reconnect

import (
	"math"
	"strconv"
	"time"

	"github.com/opd-ai/wasession/transport"
)

// State is a reconnection state.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTerminal:
		return "terminal"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Class is the reconnect classification of a disconnect reason.
type Class uint8

const (
	Recoverable Class = iota
	Terminal
)

// Classify maps a disconnect reason to Terminal or Recoverable.
func Classify(r transport.DisconnectReason) Class {
	switch r {
	case transport.ReasonLoggedOut, transport.ReasonReplaced,
		transport.ReasonBadSession, transport.ReasonClientClosed:
		return Terminal
	}
	return Recoverable
}

// Defaults for Policy.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 2 * time.Minute
	DefaultMultiplier  = 2.0
	DefaultStableAfter = time.Minute
)

// Policy is the backoff policy.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// StableAfter is how long a connection must stay up before the attempt
	// counter resets.
	StableAfter time.Duration
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		StableAfter: DefaultStableAfter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(DefaultMaxDelay, p.BaseDelay)
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.StableAfter <= 0 {
		p.StableAfter = DefaultStableAfter
	}
	return p
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// InputKind is the kind of an Input.
type InputKind uint8

const (
	// InputStart begins connecting.
	InputStart InputKind = iota
	// InputConnected reports a successful connection attempt.
	InputConnected
	// InputDisconnected reports a failed attempt or a closed connection.
	InputDisconnected
	// InputRetry reports that the backoff delay elapsed.
	InputRetry
	// InputStop is a caller request to stop for good.
	InputStop
)

// Input is an event fed to Machine.Step.
type Input struct {
	Kind   InputKind
	Reason transport.DisconnectReason
}

// ActionKind is the kind of an Action.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	// ActionConnect starts a connection attempt.
	ActionConnect
	// ActionWait waits Delay, then feeds InputRetry.
	ActionWait
	// ActionStop ends reconnection; Reason says why.
	ActionStop
)

// Action is what the driver of a Machine must do next.
type Action struct {
	Kind   ActionKind
	Delay  time.Duration
	Reason transport.DisconnectReason
}

// Machine is the reconnection state machine. The zero value with a Policy
// is Idle.
type Machine struct {
	Policy      Policy
	State       State
	Attempt     int
	ConnectedAt time.Time
	LastReason  transport.DisconnectReason
}

// NewMachine returns an idle machine.
func NewMachine(p Policy) Machine {
	return Machine{Policy: p.withDefaults()}
}

// Step applies in at time now. Inputs that do not apply to the current
// state are ignored.
func (m Machine) Step(in Input, now time.Time) (Machine, Action) {
	if m.State == StateTerminal {
		return m, Action{}
	}
	if in.Kind == InputStop {
		m.State = StateTerminal
		m.LastReason = transport.ReasonClientClosed
		return m, Action{Kind: ActionStop, Reason: transport.ReasonClientClosed}
	}

	switch m.State {
	case StateIdle:
		if in.Kind == InputStart {
			m.State = StateConnecting
			return m, Action{Kind: ActionConnect}
		}
	case StateConnecting:
		switch in.Kind {
		case InputConnected:
			m.State = StateConnected
			m.ConnectedAt = now
		case InputDisconnected:
			return m.disconnected(in.Reason)
		}
	case StateConnected:
		if in.Kind == InputDisconnected {
			if now.Sub(m.ConnectedAt) >= m.Policy.withDefaults().StableAfter {
				m.Attempt = 0
			}
			return m.disconnected(in.Reason)
		}
	case StateDisconnected:
		if in.Kind == InputRetry {
			m.State = StateConnecting
			return m, Action{Kind: ActionConnect}
		}
	}
	return m, Action{}
}

func (m Machine) disconnected(reason transport.DisconnectReason) (Machine, Action) {
	m.LastReason = reason
	if Classify(reason) == Terminal {
		m.State = StateTerminal
		return m, Action{Kind: ActionStop, Reason: reason}
	}
	m.State = StateDisconnected
	delay := m.Policy.Delay(m.Attempt)
	m.Attempt++
	return m, Action{Kind: ActionWait, Delay: delay, Reason: reason}
}
