package sim

// Transaction collects state mutations computed while processing a
// message so that they are only ever applied once every fallible
// operation in the same step (buffer pushes, arbitration) has already
// succeeded. This is the Go stand-in for the original's COMMIT{} macro:
// compute intended deltas, then apply.
//
// Usage: build up a Transaction while validating a step can proceed
// (acquire arbitration, check buffer slack), queue every mutation with
// Commit, and only call Apply once all fallible operations returned
// success. If any fallible operation fails, simply discard the
// Transaction — nothing in the simulated state has changed.
type Transaction struct {
	actions []func()
}

// Commit queues a mutation to run when Apply is called.
func (t *Transaction) Commit(action func()) {
	t.actions = append(t.actions, action)
}

// Apply runs every queued mutation in the order they were queued.
func (t *Transaction) Apply() {
	for _, action := range t.actions {
		action()
	}
}
