// Package coord implements the distributed lock coordinator: the state
// machine that keeps a player's data owned by at most one server process
// at a time, using only messages over a shared pub/sub bus.
//
// Each player is driven by its own actor goroutine; every acquire,
// transfer, release and inbound message for that player serializes
// through the actor's mailbox, so the per-subject state machine never
// sees interleaved transitions. Different players proceed fully in
// parallel.
//
// The protocol is optimistic: an acquire broadcast that draws no denial
// within the wait window is an implicit grant. Crashed holders are
// repaired by a timeout fallback instead of consensus, trading strict
// consistency for availability.
package coord
