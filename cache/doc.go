// Package cache holds decoded per-player snapshots, keyed by player and
// world-group. It is the local, fast layer in front of the store: the
// coordination layer drops entries here when a peer announces newer data.
package cache
