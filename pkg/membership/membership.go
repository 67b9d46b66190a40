// Package membership maintains the live peer set of a canteen cluster.
//
// This package handles:
//   - Periodic heartbeat broadcast over a gossip transport
//   - Peer tracking from heartbeats and transport connect events
//   - TTL-based pruning of silent peers
//   - Join/leave notifications through a typed event stream
//
// The membership view is eventually consistent and purely advisory: the
// scheduler never consults it, and assignment authority lives in the
// coordination registry.
package membership
