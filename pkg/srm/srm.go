// Package srm implements the Single Response Mode flow-control
// sub-state-machine (spec.md §4.3), factored out of the OPP/PBAP server
// state machines because SRM cross-cuts every GET-pipeline operation. It
// is grounded on the teacher's pkg/nmt: a small owned-state struct with a
// mutex, a state-to-description map for logging, and explicit named
// transition methods rather than a generic table-driven engine.
package srm

import (
	"sync"

	"github.com/obexstack/obex"
)

// State is one of the five SRM states a profile session tracks per
// spec.md §3.
type State uint8

const (
	Disabled State = iota
	SendConfirm
	SendConfirmWait
	Enabled
	EnabledWait
)

var stateDescription = map[State]string{
	Disabled:        "DISABLED",
	SendConfirm:     "SEND-CONFIRM",
	SendConfirmWait: "SEND-CONFIRM-WAIT",
	Enabled:         "ENABLED",
	EnabledWait:     "ENABLED-WAIT",
}

func (s State) String() string {
	if d, ok := stateDescription[s]; ok {
		return d
	}
	return "UNKNOWN"
}

// Machine tracks SRM state for one profile session. It is not
// self-contained concurrency-wise: the owning session already serializes
// all access per spec.md §5, so the mutex here only guards against a
// stray concurrent Reset from a disconnect handler racing the main loop.
type Machine struct {
	mu    sync.Mutex
	state State
}

// New returns a Machine starting Disabled, the default at every operation
// boundary (spec.md §3: "SRM state may only transition on OBEX exchange
// boundaries, never mid-header").
func New() *Machine {
	return &Machine{state: Disabled}
}

// State returns the current SRM state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns to Disabled at an operation boundary.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Disabled
}

// ObserveRequest applies the peer's SRM/SRMP headers from an incoming
// request, per the transition table in spec.md §4.3. Headers default to
// Disable/Next when absent; callers pass those zero values directly.
func (m *Machine) ObserveRequest(srmHeader obex.SRMValue, srmp obex.SRMPValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Disabled:
		if srmHeader == obex.SRMEnable {
			if srmp == obex.SRMPWait {
				m.state = SendConfirmWait
			} else {
				m.state = SendConfirm
			}
		}
	case EnabledWait:
		if srmp == obex.SRMPNext {
			m.state = Enabled
		}
	case SendConfirm, SendConfirmWait, Enabled:
		// No further transition on additional peer headers; the table in
		// spec.md §4.3 only defines the cells shown above.
	}
}

// OnComposeResponse reports whether the server must add an SRM=Enable
// header to the response currently being composed, and advances state
// accordingly (spec.md §4.3: "when the server composes its next
// response, if the SRM state is SendConfirm* it adds an SRM=Enable header
// ... and transitions to Enabled or EnabledWait").
func (m *Machine) OnComposeResponse() (addEnableHeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case SendConfirm:
		m.state = Enabled
		return true
	case SendConfirmWait:
		m.state = EnabledWait
		return true
	default:
		return false
	}
}

// CanStreamNextFragment reports whether the server may emit the next
// Continue fragment immediately, without waiting for a new client GET —
// true only in Enabled, per spec.md §3's "when SRM is Enabled, the server
// must be ready to produce the next chunk as soon as the last was sent".
func (m *Machine) CanStreamNextFragment() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Enabled
}
