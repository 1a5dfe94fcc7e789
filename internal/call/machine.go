package call

import "sync"

// State is the local lifecycle of one call attempt. It has a single
// terminal state; why the call ended (ended, rejected or missed) is carried
// by Session.Record().Status.
type State int

const (
	StateRinging State = iota
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// allowed lists the legal transitions. Ended is terminal.
var allowed = map[State][]State{
	StateRinging:    {StateConnecting, StateConnected, StateEnded},
	StateConnecting: {StateConnected, StateEnded},
	StateConnected:  {StateEnded},
}

// Machine holds the local state and fans transitions out to subscribers.
type Machine struct {
	mu        sync.Mutex
	state     State
	listeners map[chan State]struct{}
	ended     chan struct{}
}

func NewMachine() *Machine {
	return &Machine{
		state:     StateRinging,
		listeners: make(map[chan State]struct{}),
		ended:     make(chan struct{}),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if the table allows it and reports whether it
// did. Repeating the current state is not a transition.
func (m *Machine) Transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := false
	for _, s := range allowed[m.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	m.state = next
	for ch := range m.listeners {
		select {
		case ch <- next:
		default:
		}
	}
	if next == StateEnded {
		close(m.ended)
	}
	return true
}

// Ended is closed once the machine reaches StateEnded.
func (m *Machine) Ended() <-chan struct{} { return m.ended }

// Subscribe returns a channel receiving every later transition. Slow
// readers miss transitions rather than block the machine.
func (m *Machine) Subscribe() (chan State, func()) {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, ch)
			m.mu.Unlock()
		})
	}
}
