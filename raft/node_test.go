package raft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epokhe/raftcask/command"
	"github.com/epokhe/raftcask/core"
)

// directPeer routes RPCs straight into another Node's handlers, skipping the
// HTTP transport, so tests can assemble a cluster in-process.
type directPeer struct {
	node *Node
}

func (p *directPeer) AppendEntries(_ context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	return p.node.HandleAppendEntries(req), nil
}

func (p *directPeer) RequestVote(_ context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	return p.node.HandleRequestVote(req), nil
}

func newTestNode(t *testing.T, id uint64, opts ...Option) *Node {
	t.Helper()
	e, err := core.Open(t.TempDir(), core.WithCompactionEnabled(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	store, entries, err := OpenLogStoreAt(t.TempDir(), id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	n, err := NewNode(id, map[uint64]Peer{}, e, store, entries, opts...)
	require.NoError(t, err)
	return n
}

// wirePeers makes every node in nodes reachable from every other as a
// directPeer, keyed by id.
func wirePeers(nodes map[uint64]*Node) {
	for _, n := range nodes {
		n.peers = make(map[uint64]Peer, len(nodes)-1)
		for pid, peer := range nodes {
			if pid == n.id {
				continue
			}
			n.peers[pid] = &directPeer{node: peer}
		}
		n.peerIDs = n.peerIDs[:0]
		for pid := range n.peers {
			n.peerIDs = append(n.peerIDs, pid)
		}
		for _, pid := range n.peerIDs {
			n.nextIdx[pid] = uint64(len(n.log))
			n.matchIdx[pid] = 0
		}
	}
}

func TestTermMonotonicity(t *testing.T) {
	n := newTestNode(t, 1)

	resp := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 5, CandidateID: 2})
	require.True(t, resp.Accepted)
	require.EqualValues(t, 5, n.CurrentTerm())

	// A stale-term RPC must not move the term backwards.
	stale := n.HandleAppendEntries(AppendEntriesRequest{Node: 1, Term: 2, LeaderID: 9})
	require.False(t, stale.Accepted)
	require.EqualValues(t, 5, n.CurrentTerm())
	require.EqualValues(t, 5, stale.Term)
}

func TestAtMostOneVotePerTerm(t *testing.T) {
	n := newTestNode(t, 1)

	first := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 1, CandidateID: 2})
	require.True(t, first.Accepted)

	second := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 1, CandidateID: 3})
	require.False(t, second.Accepted, "must not grant a second vote within the same term")

	// A higher term resets the vote, so a new candidate can win it.
	third := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 2, CandidateID: 3})
	require.True(t, third.Accepted)
}

func TestLogMatchingRejectsInconsistentPrevEntry(t *testing.T) {
	n := newTestNode(t, 1)

	ok := n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		Entries: []LogEntry{
			{Term: 1, Entry: "PUT:1.a", Index: 0},
			{Term: 1, Entry: "PUT:2.b", Index: 1},
		},
		LeaderCommit: 1,
	})
	require.True(t, ok.Accepted)

	// prev_log_term disagrees with what the follower actually has at index 1.
	bad := n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		PrevLogIdx: 1, PrevLogTerm: 99,
		Entries:      []LogEntry{{Term: 1, Entry: "PUT:3.c", Index: 2}},
		LeaderCommit: 1,
	})
	require.False(t, bad.Accepted)
}

// S4: follower accepts the first leader's entries verbatim.
func TestScenarioS4FollowerAcceptsFirstLeadersEntries(t *testing.T) {
	n := newTestNode(t, 1)

	resp := n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		Entries: []LogEntry{
			{Term: 1, Entry: "PUT:1.a", Index: 0},
			{Term: 1, Entry: "PUT:2.b", Index: 1},
		},
		LeaderCommit: 2,
	})

	require.True(t, resp.Accepted)
	require.EqualValues(t, 9, n.LeaderID())
	got, err := n.engine.Get(1)
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
	got, err = n.engine.Get(2)
	require.NoError(t, err)
	require.Equal(t, "b", string(got))
}

// S5: a leader with a stale term is rejected.
func TestScenarioS5FollowerRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, 1)

	ok := n.HandleAppendEntries(AppendEntriesRequest{Node: 1, Term: 5, LeaderID: 9})
	require.True(t, ok.Accepted)

	stale := n.HandleAppendEntries(AppendEntriesRequest{Node: 1, Term: 3, LeaderID: 8})
	require.False(t, stale.Accepted)
	require.EqualValues(t, 9, n.LeaderID(), "stale leader must not displace the current one")
}

// S6: follower rejects an AppendEntries whose prev_log entry doesn't match.
func TestScenarioS6FollowerRejectsInconsistentLog(t *testing.T) {
	n := newTestNode(t, 1)

	n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		Entries: []LogEntry{{Term: 1, Entry: "PUT:1.a", Index: 0}},
	})

	resp := n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 2, LeaderID: 9,
		PrevLogIdx: 2, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Entry: "PUT:3.c", Index: 2}},
	})
	require.False(t, resp.Accepted, "prev_log_idx beyond the follower's log must be rejected")
}

// S7: a later AppendEntries overrides a conflicting entry at the same index.
func TestScenarioS7FollowerOverridesConflictingEntry(t *testing.T) {
	n := newTestNode(t, 1)

	n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		Entries: []LogEntry{{Term: 1, Entry: "PUT:1.a", Index: 0}},
	})

	resp := n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 2, LeaderID: 10,
		Entries:      []LogEntry{{Term: 2, Entry: "PUT:1.b", Index: 0}},
		LeaderCommit: 1,
	})
	require.True(t, resp.Accepted)

	got, err := n.engine.Get(1)
	require.NoError(t, err)
	require.Equal(t, "b", string(got), "entry at index 0 must reflect the new leader's overriding write")
}

// S8: a vote is granted, then a same-term request from another candidate is rejected.
func TestScenarioS8VoteGrantedThenRejected(t *testing.T) {
	n := newTestNode(t, 1)

	first := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 1, CandidateID: 2, LastLogIdx: 0, LastLogTerm: 0})
	require.True(t, first.Accepted)

	second := n.HandleRequestVote(RequestVoteRequest{Node: 1, Term: 1, CandidateID: 3, LastLogIdx: 0, LastLogTerm: 0})
	require.False(t, second.Accepted)
}

// S9: a candidate whose log is behind the voter's is rejected.
func TestScenarioS9VoteRejectedWhenLogIsAhead(t *testing.T) {
	n := newTestNode(t, 1)

	n.HandleAppendEntries(AppendEntriesRequest{
		Node: 1, Term: 1, LeaderID: 9,
		Entries: []LogEntry{
			{Term: 1, Entry: "PUT:1.a", Index: 0},
			{Term: 1, Entry: "PUT:2.b", Index: 1},
		},
	})

	resp := n.HandleRequestVote(RequestVoteRequest{
		Node: 1, Term: 2, CandidateID: 2, LastLogIdx: 0, LastLogTerm: 1,
	})
	require.False(t, resp.Accepted, "candidate with a shorter log at the same term must not win the vote")
}

func TestLeaderElectionAndReplication(t *testing.T) {
	ctx := context.Background()
	nodes := map[uint64]*Node{
		1: newTestNode(t, 1),
		2: newTestNode(t, 2),
		3: newTestNode(t, 3),
	}
	wirePeers(nodes)

	won := nodes[1].StartElection(ctx)
	require.True(t, won)
	require.Equal(t, Leader, nodes[1].RoleNow())
	require.Equal(t, Follower, nodes[2].RoleNow())
	require.Equal(t, Follower, nodes[3].RoleNow())

	err := nodes[1].AddRequestToLog(ctx, command.Put{Key: 1, Value: "a"})
	require.NoError(t, err)

	got, err := nodes[1].engine.Get(1)
	require.NoError(t, err)
	require.Equal(t, "a", string(got), "leader must apply the entry once it commits it locally")

	// AddRequestToLog's own broadcast round carries the leader's pre-commit
	// commitIdx (commit-on-majority only advances it after that round
	// completes), so followers append the entry but don't yet commit it. A
	// subsequent heartbeat - what the ticker would send on its own - carries
	// the now-advanced commitIdx and lets them commit and apply it.
	acks := nodes[1].broadcastAppendEntries(ctx)
	require.Equal(t, 3, acks)

	for id, n := range nodes {
		got, err := n.engine.Get(1)
		require.NoError(t, err, "node %d", id)
		require.Equal(t, "a", string(got), "node %d must have the committed entry applied", id)
	}
}

func TestAddRequestToLogRejectedWhenNotLeader(t *testing.T) {
	n := newTestNode(t, 1)
	err := n.AddRequestToLog(context.Background(), command.Put{Key: 1, Value: "a"})
	require.ErrorIs(t, err, ErrNotLeader)
}
