// Package syncbus abstracts the publish/subscribe transport that carries
// coordination messages between server processes. Delivery is
// at-least-once and fire-and-forget: the coordination layer tolerates
// message loss through timeout-based repair and duplicates through
// idempotent message handling, so backends do not need acknowledgements
// or ordering guarantees.
//
// Backends live in subpackages: redis (Redis pub/sub), nats, kafka and
// mesh (UDP multicast for LAN fleets). The in-memory bus in this package
// is used by tests and single-host setups.
package syncbus
