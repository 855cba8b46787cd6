// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

// Status is the registration status of one server.
type Status int

// Data server statuses.
const (
	StatusDeregistered Status = iota
	StatusRegHoldOff
	StatusRegPending
	StatusRegistered
	StatusRegFailed
	StatusRegUpdatePending
	StatusRegUpdateNeeded
	StatusRegFullUpdateNeeded
	StatusDeregPending
)

// Bootstrap server statuses.
const (
	StatusBSHoldOff Status = iota + 100
	StatusBSInitiated
	StatusBSPending
	StatusBSFinishing
	StatusBSFinished
	StatusBSFailing
	StatusBSFailed
)

var statusNames = map[Status]string{
	StatusDeregistered:        "DEREGISTERED",
	StatusRegHoldOff:          "REG_HOLD_OFF",
	StatusRegPending:          "REG_PENDING",
	StatusRegistered:          "REGISTERED",
	StatusRegFailed:           "REG_FAILED",
	StatusRegUpdatePending:    "REG_UPDATE_PENDING",
	StatusRegUpdateNeeded:     "REG_UPDATE_NEEDED",
	StatusRegFullUpdateNeeded: "REG_FULL_UPDATE_NEEDED",
	StatusDeregPending:        "DEREG_PENDING",
	StatusBSHoldOff:           "BS_HOLD_OFF",
	StatusBSInitiated:         "BS_INITIATED",
	StatusBSPending:           "BS_PENDING",
	StatusBSFinishing:         "BS_FINISHING",
	StatusBSFinished:          "BS_FINISHED",
	StatusBSFailing:           "BS_FAILING",
	StatusBSFailed:            "BS_FAILED",
}

// String returns the status name.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// IsRegistered reports whether the server holds a valid registration.
func (s Status) IsRegistered() bool {
	switch s {
	case StatusRegistered, StatusRegUpdatePending, StatusRegUpdateNeeded, StatusRegFullUpdateNeeded:
		return true
	default:
		return false
	}
}

// ClientState is the overall state of the client.
type ClientState int

// Client states.
const (
	StateInitial ClientState = iota
	StateBootstrapRequired
	StateBootstrapping
	StateRegisterRequired
	StateRegistering
	StateReady
)

// String returns the state name.
func (s ClientState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateBootstrapRequired:
		return "BOOTSTRAP_REQUIRED"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateRegisterRequired:
		return "REGISTER_REQUIRED"
	case StateRegistering:
		return "REGISTERING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Event drives a server status transition.
type Event int

// Events.
const (
	// EventStart begins registration of a deregistered server.
	EventStart Event = iota
	// EventStartBootstrap begins bootstrap through the bootstrap server.
	EventStartBootstrap
	EventHoldOffElapsed
	EventSuccess
	EventFailure
	// EventNotFound is an Update answered 4.04: the server forgot us.
	EventNotFound
	EventRetry
	EventUpdateNeeded
	EventFullUpdateNeeded
	// EventSend flushes a pending update.
	EventSend
	EventDeregister
	EventBootstrapFinish
	EventBootstrapTimeout
	EventSettle
)

var eventNames = [...]string{
	"start", "start-bootstrap", "hold-off-elapsed", "success", "failure",
	"not-found", "retry", "update-needed", "full-update-needed", "send",
	"deregister", "bootstrap-finish", "bootstrap-timeout", "settle",
}

// String returns the event name.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Effect is the side effect the Machine performs after a transition.
type Effect int

// Effects.
const (
	EffectNone Effect = iota
	EffectSendRegister
	EffectSendUpdate
	EffectSendFullUpdate
	EffectSendDeregister
	EffectSendBootstrapRequest
	// EffectRegistered records the registration time and resets the retry counters.
	EffectRegistered
	// EffectApplyPolicy consults the retry policy after a failure.
	EffectApplyPolicy
	EffectCancel
	// EffectReloadServers replaces the server list after bootstrap.
	EffectReloadServers
)

type transitionKey struct {
	from  Status
	event Event
}

type transitionResult struct {
	to     Status
	effect Effect
}

var transitions = map[transitionKey]transitionResult{
	{StatusDeregistered, EventStart}:          {StatusRegPending, EffectSendRegister},
	{StatusDeregistered, EventFailure}:        {StatusRegFailed, EffectApplyPolicy},
	{StatusDeregistered, EventStartBootstrap}: {StatusBSHoldOff, EffectNone},

	{StatusRegHoldOff, EventHoldOffElapsed}: {StatusRegPending, EffectSendRegister},
	{StatusRegHoldOff, EventDeregister}:     {StatusDeregistered, EffectNone},

	{StatusRegPending, EventSuccess}:    {StatusRegistered, EffectRegistered},
	{StatusRegPending, EventFailure}:    {StatusRegFailed, EffectApplyPolicy},
	{StatusRegPending, EventDeregister}: {StatusDeregistered, EffectCancel},

	{StatusRegFailed, EventRetry}:      {StatusRegHoldOff, EffectNone},
	{StatusRegFailed, EventStart}:      {StatusRegPending, EffectSendRegister},
	{StatusRegFailed, EventDeregister}: {StatusDeregistered, EffectNone},

	{StatusRegistered, EventUpdateNeeded}:     {StatusRegUpdateNeeded, EffectNone},
	{StatusRegistered, EventFullUpdateNeeded}: {StatusRegFullUpdateNeeded, EffectNone},
	{StatusRegistered, EventDeregister}:       {StatusDeregPending, EffectSendDeregister},

	{StatusRegUpdateNeeded, EventSend}:                 {StatusRegUpdatePending, EffectSendUpdate},
	{StatusRegUpdateNeeded, EventUpdateNeeded}:         {StatusRegUpdateNeeded, EffectNone},
	{StatusRegUpdateNeeded, EventFullUpdateNeeded}:     {StatusRegFullUpdateNeeded, EffectNone},
	{StatusRegUpdateNeeded, EventDeregister}:           {StatusDeregPending, EffectSendDeregister},
	{StatusRegFullUpdateNeeded, EventSend}:             {StatusRegUpdatePending, EffectSendFullUpdate},
	{StatusRegFullUpdateNeeded, EventUpdateNeeded}:     {StatusRegFullUpdateNeeded, EffectNone},
	{StatusRegFullUpdateNeeded, EventFullUpdateNeeded}: {StatusRegFullUpdateNeeded, EffectNone},
	{StatusRegFullUpdateNeeded, EventDeregister}:       {StatusDeregPending, EffectSendDeregister},

	{StatusRegUpdatePending, EventSuccess}:    {StatusRegistered, EffectRegistered},
	{StatusRegUpdatePending, EventNotFound}:   {StatusRegPending, EffectSendRegister},
	{StatusRegUpdatePending, EventFailure}:    {StatusRegFailed, EffectApplyPolicy},
	{StatusRegUpdatePending, EventDeregister}: {StatusDeregPending, EffectSendDeregister},

	// Deregistration is best effort: a timeout counts as success.
	{StatusDeregPending, EventSuccess}: {StatusDeregistered, EffectNone},
	{StatusDeregPending, EventFailure}: {StatusDeregistered, EffectNone},

	{StatusBSHoldOff, EventHoldOffElapsed}: {StatusBSInitiated, EffectSendBootstrapRequest},
	{StatusBSHoldOff, EventFailure}:        {StatusBSFailing, EffectNone},

	{StatusBSInitiated, EventSuccess}:         {StatusBSPending, EffectNone},
	{StatusBSInitiated, EventFailure}:         {StatusBSFailing, EffectNone},
	{StatusBSInitiated, EventBootstrapFinish}: {StatusBSFinishing, EffectNone},

	{StatusBSPending, EventBootstrapFinish}:  {StatusBSFinishing, EffectNone},
	{StatusBSPending, EventBootstrapTimeout}: {StatusBSFailing, EffectNone},

	{StatusBSFinishing, EventSuccess}: {StatusBSFinished, EffectReloadServers},
	{StatusBSFinishing, EventFailure}: {StatusBSFailing, EffectNone},

	{StatusBSFailing, EventSettle}: {StatusBSFailed, EffectNone},

	{StatusBSFinished, EventStartBootstrap}: {StatusBSHoldOff, EffectNone},
	{StatusBSFailed, EventStartBootstrap}:   {StatusBSHoldOff, EffectNone},
}

// Transition returns the status reached from s on ev and the effect to
// perform. ok is false when ev is not accepted in s; the status is then
// returned unchanged.
func Transition(s Status, ev Event) (Status, Effect, bool) {
	r, ok := transitions[transitionKey{s, ev}]
	if !ok {
		return s, EffectNone, false
	}
	return r.to, r.effect, true
}
