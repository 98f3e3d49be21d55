// Package syncer abstracts the replication layer that moves datasite
// subtrees between participants. The engine only requires that peer files
// eventually appear under the local root; how they travel is pluggable.
package syncer

import "context"

// Syncer propagates shared datasite content between participants.
type Syncer interface {
	// Sync performs one replication pass. It is called on every poll tick
	// before snapshots are observed.
	Sync(ctx context.Context) error
}

// Noop is used when an external daemon owns replication of the root.
type Noop struct{}

func (Noop) Sync(context.Context) error {
	return nil
}
