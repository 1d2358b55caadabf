package engine

import "context"

// EmergencyHalt fails every approved and executing record and cancels the
// in-flight execution context. A side effect whose OS call has already been
// dispatched is not forcibly aborted; anything not yet dispatched will not
// start. Returns the number of records halted.
func (e *Engine) EmergencyHalt(ctx context.Context, reason string) (int, error) {
	e.stateMu.Lock()
	if e.inflight != nil {
		e.inflight()
	}
	e.history = nil
	e.stateMu.Unlock()

	return e.records.HaltAll(ctx, reason)
}
