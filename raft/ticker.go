package raft

import (
	"context"
	"time"
)

// Run drives the node's apply loop until ctx is cancelled: every interval it
// applies any newly committed entries, or, if there's nothing to apply,
// advances the election timer (Follower) or emits a heartbeat (Leader).
// Candidates are driven synchronously inside StartElection and are idle here.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	n.mu.Lock()
	pending := n.commitIdx > n.lastApplied
	role := n.role
	n.mu.Unlock()

	if pending {
		n.applyCommitted()
		return
	}

	switch role {
	case Follower:
		n.mu.Lock()
		n.electionTicks--
		expired := n.electionTicks <= 0
		n.mu.Unlock()
		if expired {
			n.StartElection(ctx)
		}
	case Leader:
		n.broadcastAppendEntries(ctx)
	case Candidate:
	}
}
