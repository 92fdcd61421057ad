// Package engine applies transitions to objects.
//
// Apply is the only write path for model objects. One call:
//  1. resolves the model and transition metadata
//  2. validates the payload, then loads the prior object (non-initializing)
//     and checks its state against the transition's from-set
//  3. builds a provisional transition record with a fresh id and timestamp
//  4. runs the caller's TransitionFunc to propose the next state and fields
//  5. validates the proposal against the target state's declared fields
//  6. writes the object row and appends the transition in one backend
//     transaction
//
// Any failure before step 6 leaves storage untouched. Errors returned by a
// TransitionFunc are passed through as they are.
//
// CAUSALITY:
//
// Every Request carries an ir.Cause. A TransitionFunc that applies nested
// transitions, or a consumer handler triggered by a task, passes a Cause
// naming the outer transition or task id; the id is stored as triggered_by.
//
// Thread-safety: Engine is safe for concurrent use. Ordering between
// concurrent Apply calls on one object is decided by the backend.
package engine
