// Package store implements the shared hierarchical key/value tree the
// parent and child clients synchronize through.
//
// The tree offers single-path writes, multi-path merge writes, change
// subscriptions that deliver full snapshots, a reserved ".info/connected"
// path describing the local client's link, and disconnect hooks that the
// tree executes on the client's behalf when its connection drops. There are
// no multi-key transactions; higher layers enforce cross-entity rules by
// protocol.
package store
