package qjournal

import "sync/atomic"

// ProcessState is the lifecycle state of a JournalNode process, tracked
// as an atomic value so JournalNode.Status() and the shutdown path never
// need to take the main lock to read it.
type ProcessState uint64

const (
	Running ProcessState = iota
	ShuttingDown
	Stopped
)

func (s *ProcessState) String() string {
	switch s.Get() {
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func newProcessState() *ProcessState {
	state := new(ProcessState)
	state.set(Running)
	return state
}

func (s *ProcessState) set(newState ProcessState) {
	atomic.StoreUint64((*uint64)(s), uint64(newState))
}

func (s *ProcessState) Get() ProcessState {
	return ProcessState(atomic.LoadUint64((*uint64)(s)))
}
