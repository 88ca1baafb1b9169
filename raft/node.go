// Package raft implements the per-node replicated-log state machine:
// follower/candidate/leader transitions, leader election, log replication
// with a consistency check, commit-on-majority, and application of committed
// commands into a core.Engine.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/epokhe/raftcask/command"
	"github.com/epokhe/raftcask/core"
)

// Option configures a Node at construction time.
type Option func(*Node)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(n *Node) { n.logger = l }
}

// WithRandomizedElectionTimeout replaces the deterministic, id-biased election
// timer with a uniformly random one in [minTicks, maxTicks], the production
// setting called for in the design notes.
func WithRandomizedElectionTimeout(minTicks, maxTicks int) Option {
	return func(n *Node) {
		n.electionTimeoutFn = func() int {
			if maxTicks <= minTicks {
				return minTicks
			}
			return minTicks + rand.Intn(maxTicks-minTicks+1)
		}
	}
}

// Node is one member of the replicated cluster.
type Node struct {
	id      uint64
	peers   map[uint64]Peer
	peerIDs []uint64

	engine *core.Engine
	store  *LogStore
	logger *zap.SugaredLogger

	electionTimeoutFn func() int

	mu            sync.Mutex
	role          Role
	currentTerm   uint64
	votedFor      uint64
	log           []LogEntry
	commitIdx     uint64 // count of entries known committed
	lastApplied   uint64 // count of entries applied to the engine
	leaderID      uint64
	electionTicks int
	nextIdx       map[uint64]uint64
	matchIdx      map[uint64]uint64
}

// NewNode constructs a Node for id, seeding its in-memory log from entries
// (as reconstructed by OpenLogStore) and starting as a Follower.
func NewNode(id uint64, peers map[uint64]Peer, engine *core.Engine, store *LogStore, entries []LogEntry, opts ...Option) (*Node, error) {
	peerIDs := make([]uint64, 0, len(peers))
	for pid := range peers {
		peerIDs = append(peerIDs, pid)
	}
	sort.Slice(peerIDs, func(i, j int) bool { return peerIDs[i] < peerIDs[j] })

	n := &Node{
		id:          id,
		peers:       peers,
		peerIDs:     peerIDs,
		engine:      engine,
		store:       store,
		logger:      zap.NewNop().Sugar(),
		role:        Follower,
		log:         entries,
		commitIdx:   uint64(len(entries)),
		lastApplied: uint64(len(entries)),
		nextIdx:     make(map[uint64]uint64),
		matchIdx:    make(map[uint64]uint64),
	}
	n.electionTimeoutFn = func() int { return deterministicElectionTicks(id) }

	for _, opt := range opts {
		opt(n)
	}

	n.electionTicks = n.electionTimeoutFn()
	for _, pid := range peerIDs {
		n.nextIdx[pid] = uint64(len(n.log))
		n.matchIdx[pid] = 0
	}

	return n, nil
}

// deterministicElectionTicks reproduces the reference's testable, id-biased
// timeout: max(5, max(id, 3000)/100 - 30).
func deterministicElectionTicks(id uint64) int {
	v := id
	if v < 3000 {
		v = 3000
	}
	t := int(v/100) - 30
	if t < 5 {
		t = 5
	}
	return t
}

func (n *Node) resetElectionTimerLocked() {
	n.electionTicks = n.electionTimeoutFn()
}

// ID, RoleNow, IsLeader, CurrentTerm and LeaderID are read-only accessors for callers
// (the front-end adapter, the ticker, tests) that need a consistent snapshot
// without reaching into node internals.
func (n *Node) ID() uint64 { return n.id }

func (n *Node) RoleNow() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) LeaderID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// HandleAppendEntries implements the follower-side AppendEntries algorithm.
func (n *Node) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()

	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return AppendEntriesResponse{Term: term, Accepted: false}
	}

	if req.Term > n.currentTerm {
		n.votedFor = 0
	}
	n.currentTerm = req.Term
	n.role = Follower
	n.leaderID = req.LeaderID
	n.resetElectionTimerLocked()

	if req.PrevLogIdx > 0 {
		if req.PrevLogIdx >= uint64(len(n.log)) || n.log[req.PrevLogIdx].Term != req.PrevLogTerm {
			term := n.currentTerm
			n.mu.Unlock()
			return AppendEntriesResponse{Term: term, Accepted: false}
		}
	}

	for _, e := range req.Entries {
		if e.Index < uint64(len(n.log)) {
			n.log[e.Index] = e
		} else {
			n.log = append(n.log, e)
		}
	}

	if req.LeaderCommit > n.commitIdx {
		newCommit := req.LeaderCommit
		if newCommit > uint64(len(n.log)) {
			newCommit = uint64(len(n.log))
		}
		n.commitIdx = newCommit
	}

	term := n.currentTerm
	n.mu.Unlock()

	n.applyCommitted()

	return AppendEntriesResponse{Term: term, Accepted: true}
}

// HandleRequestVote implements the follower-side RequestVote algorithm.
func (n *Node) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return RequestVoteResponse{Term: n.currentTerm, Accepted: false}
	}
	if req.Term > n.currentTerm {
		n.currentTerm = req.Term
		n.votedFor = 0
		n.role = Follower
	}

	if n.votedFor != 0 && n.votedFor != req.CandidateID {
		return RequestVoteResponse{Term: n.currentTerm, Accepted: false}
	}

	if len(n.log) == 0 {
		n.votedFor = req.CandidateID
		n.resetElectionTimerLocked()
		return RequestVoteResponse{Term: n.currentTerm, Accepted: true}
	}

	lastEntry := n.log[len(n.log)-1]
	lastLogIdx := uint64(len(n.log) - 1)
	upToDate := req.LastLogTerm > lastEntry.Term ||
		(req.LastLogTerm == lastEntry.Term && req.LastLogIdx >= lastLogIdx)
	if !upToDate {
		return RequestVoteResponse{Term: n.currentTerm, Accepted: false}
	}

	n.votedFor = req.CandidateID
	n.resetElectionTimerLocked()
	return RequestVoteResponse{Term: n.currentTerm, Accepted: true}
}

// StartElection runs a candidacy to completion: increments the term, votes
// for self, requests votes from every peer in turn, and becomes Leader on
// reaching a majority. Returns whether the election was won.
func (n *Node) StartElection(ctx context.Context) bool {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.resetElectionTimerLocked()
	term := n.currentTerm
	lastLogIdx, lastLogTerm := n.lastLogInfoLocked()
	peerIDs := append([]uint64(nil), n.peerIDs...)
	n.mu.Unlock()

	total := len(peerIDs) + 1
	majority := total/2 + 1
	votes := 1

	if votes >= majority {
		n.mu.Lock()
		won := false
		if n.currentTerm == term && n.role == Candidate {
			n.becomeLeaderLocked()
			won = true
		}
		n.mu.Unlock()
		if won {
			n.broadcastAppendEntries(ctx)
			return true
		}
	}

	for _, pid := range peerIDs {
		resp, err := n.peers[pid].RequestVote(ctx, RequestVoteRequest{
			Node:        pid,
			Term:        term,
			CandidateID: n.id,
			LastLogIdx:  lastLogIdx,
			LastLogTerm: lastLogTerm,
		})
		if err != nil {
			n.logger.Warnw("peer unreachable during election", "peer", pid, "err", err)
			continue
		}

		n.mu.Lock()
		if resp.Term > n.currentTerm {
			n.currentTerm = resp.Term
			n.role = Follower
			n.votedFor = 0
			n.mu.Unlock()
			return false
		}
		if n.currentTerm != term || n.role != Candidate {
			n.mu.Unlock()
			return false
		}
		n.mu.Unlock()

		if !resp.Accepted {
			continue
		}
		votes++
		if votes < majority {
			continue
		}

		n.mu.Lock()
		won := false
		if n.currentTerm == term && n.role == Candidate {
			n.becomeLeaderLocked()
			won = true
		}
		n.mu.Unlock()
		if won {
			n.broadcastAppendEntries(ctx)
			return true
		}
	}

	n.mu.Lock()
	if n.role == Candidate && n.currentTerm == term {
		n.role = Follower
		n.votedFor = 0
	}
	n.mu.Unlock()
	return false
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	for _, pid := range n.peerIDs {
		n.nextIdx[pid] = uint64(len(n.log))
		n.matchIdx[pid] = 0
	}
}

func (n *Node) lastLogInfoLocked() (idx, term uint64) {
	if len(n.log) == 0 {
		return 0, 0
	}
	last := n.log[len(n.log)-1]
	return uint64(len(n.log) - 1), last.Term
}

// AddRequestToLog is the leader-side entry point for a client mutation: it
// appends one entry to the leader's own log, replicates it to every peer,
// and only advances the commit index (applying the entry locally) once a
// majority of the cluster has acknowledged it.
func (n *Node) AddRequestToLog(ctx context.Context, cmd command.Command) error {
	encoded, err := cmd.Encode()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	entry := LogEntry{Term: n.currentTerm, Entry: encoded, Index: uint64(len(n.log))}
	n.log = append(n.log, entry)
	term := n.currentTerm
	n.mu.Unlock()

	acks := n.broadcastAppendEntries(ctx)

	n.mu.Lock()
	total := len(n.peers) + 1
	majority := total/2 + 1

	if n.currentTerm != term || n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if acks < majority {
		n.mu.Unlock()
		return ErrMajorityNotReached
	}
	if n.commitIdx < entry.Index+1 {
		n.commitIdx = entry.Index + 1
	}
	n.mu.Unlock()

	n.applyCommitted()
	return nil
}

// broadcastAppendEntries issues request_append_entries to every peer in
// turn and returns the ack count including self.
func (n *Node) broadcastAppendEntries(ctx context.Context) int {
	n.mu.Lock()
	peerIDs := append([]uint64(nil), n.peerIDs...)
	term := n.currentTerm
	n.mu.Unlock()

	acks := 1
	for _, pid := range peerIDs {
		if n.requestAppendEntriesToPeer(ctx, pid, term) {
			acks++
		}
	}
	return acks
}

func (n *Node) requestAppendEntriesToPeer(ctx context.Context, pid, term uint64) bool {
	n.mu.Lock()
	if n.currentTerm != term || n.role != Leader {
		n.mu.Unlock()
		return false
	}
	nextIdx := n.nextIdx[pid]
	var prevLogIdx, prevLogTerm uint64
	if nextIdx > 0 {
		prevLogIdx = nextIdx - 1
		prevLogTerm = n.log[prevLogIdx].Term
	}
	entries := append([]LogEntry(nil), n.log[nextIdx:]...)
	leaderCommit := n.commitIdx
	n.mu.Unlock()

	resp, err := n.peers[pid].AppendEntries(ctx, AppendEntriesRequest{
		Node:         pid,
		Term:         term,
		LeaderID:     n.id,
		PrevLogIdx:   prevLogIdx,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		n.logger.Warnw("peer unreachable", "peer", pid, "err", err)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.currentTerm = resp.Term
		n.role = Follower
		n.votedFor = 0
		return false
	}
	if n.currentTerm != term || n.role != Leader {
		return false
	}

	if resp.Accepted {
		if len(entries) > 0 {
			n.nextIdx[pid] = nextIdx + uint64(len(entries))
			n.matchIdx[pid] = n.nextIdx[pid] - 1
		}
		return true
	}

	if n.nextIdx[pid] > n.matchIdx[pid] {
		n.nextIdx[pid]--
	}
	return false
}

// applyCommitted decodes and applies every committed entry not yet applied,
// persisting each to the durable applied-log as it goes.
func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIdx || n.lastApplied >= uint64(len(n.log)) {
			n.mu.Unlock()
			return
		}
		entry := n.log[n.lastApplied]
		n.mu.Unlock()

		if err := n.applyEntry(entry); err != nil {
			n.logger.Errorw("apply log entry failed", "index", entry.Index, "err", err)
			return
		}

		n.mu.Lock()
		n.lastApplied++
		n.mu.Unlock()
	}
}

func (n *Node) applyEntry(entry LogEntry) error {
	cmd, err := command.Parse(entry.Entry)
	if err != nil {
		return fmt.Errorf("parse log entry %d: %w", entry.Index, err)
	}

	switch c := cmd.(type) {
	case command.Put:
		if err := n.engine.Put(c.Key, []byte(c.Value)); err != nil {
			return fmt.Errorf("apply put: %w", err)
		}
	case command.Delete:
		if err := n.engine.Delete(c.Key); err != nil {
			return fmt.Errorf("apply delete: %w", err)
		}
	case command.BatchPut:
		kvs := make([]core.KV, len(c.Items))
		for i, it := range c.Items {
			kvs[i] = core.KV{Key: it.Key, Value: []byte(it.Value)}
		}
		if err := n.engine.BatchPut(kvs); err != nil {
			return fmt.Errorf("apply batch put: %w", err)
		}
	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}

	if err := n.store.Append(entry); err != nil {
		return fmt.Errorf("persist applied entry %d: %w", entry.Index, err)
	}
	return nil
}
