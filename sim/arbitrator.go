package sim

// Arbitrator is a multi-writer mutual-exclusion service with a fixed
// priority order: a fixed-size array of (process_id, invoked_this_cycle)
// pairs built at construction.
//
// Processes are expected to be invoked by the owning Engine in a single,
// construction-time-fixed priority order every cycle (highest priority
// first). Because of that ordering guarantee, the arbitrator only needs
// to remember who won the current cycle: the first process to call
// Invoke in a given cycle wins it; every other caller that cycle is
// refused, and the winner may call Invoke again in the same cycle (e.g.
// once to check out the lines, once more to apply a second edit) without
// losing its grant.
type Arbitrator struct {
	name        string
	processes   []Process // registration order == priority order
	lastCycle   uint64
	cycleIsInit bool
	winner      Process
}

// NewArbitrator creates a named arbitrator.
func NewArbitrator(name string) *Arbitrator {
	return &Arbitrator{name: name}
}

// AddProcess registers a process with the arbitrator. Registration order
// records the intended priority order; Invoke itself grants whichever
// process calls first in a cycle, so the priority holds only when the
// engine activates the processes in that same order.
func (a *Arbitrator) AddProcess(p Process) {
	a.processes = append(a.processes, p)
}

// Invoke attempts to acquire the arbitrated service on behalf of the
// calling process for the given cycle. Returns true if access is
// granted for this cycle.
func (a *Arbitrator) Invoke(cycle uint64, requester Process) bool {
	if !a.cycleIsInit || cycle != a.lastCycle {
		a.lastCycle = cycle
		a.cycleIsInit = true
		a.winner = requester
		return true
	}
	return a.winner == requester
}

// Name returns the arbitrator's name, for deadlock reporting.
func (a *Arbitrator) Name() string { return a.name }
