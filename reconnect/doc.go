// Package reconnect decides when to reconnect after a connection closes.
//
// Machine is a pure state machine: Step maps a state and an input to a new
// state and an action, without timers or I/O, so the policy can be tested
// on its own. Runner drives a Machine against a Connector and a clock.
//
// Terminal reasons (logged out, replaced, bad session, closed by the
// caller) stop reconnection. Everything else is retried with capped
// exponential backoff. The attempt counter only resets after a connection
// stayed up for Policy.StableAfter.
package reconnect
