// Package frontend routes client operations to a raft.Node: mutations go
// through the leader and the replicated log; reads go straight to the local
// storage engine.
package frontend

import (
	"context"
	"fmt"

	"github.com/epokhe/raftcask/command"
	"github.com/epokhe/raftcask/core"
	"github.com/epokhe/raftcask/raft"
)

// NotLeaderError is returned by every mutating call when the local node
// isn't the cluster leader. LeaderID is 0 if no leader is currently known.
// LeaderAddr is the dialable peer-transport address of that leader, or ""
// if the caller didn't give the adapter an address for it.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("frontend: not leader, known leader is %d", e.LeaderID)
}

// Adapter is the client-facing surface: get/put/delete/range/batch_put.
type Adapter struct {
	node      *raft.Node
	engine    *core.Engine
	peerAddrs map[uint64]string
}

// NewAdapter builds an Adapter. peerAddrs maps a peer's id to its dialable
// peer-transport address (host:port); it's used to resolve the redirect
// address carried by NotLeaderError. A nil map is fine when there is no
// transport to redirect to (e.g. a single-process smoke test).
func NewAdapter(node *raft.Node, engine *core.Engine, peerAddrs map[uint64]string) *Adapter {
	return &Adapter{node: node, engine: engine, peerAddrs: peerAddrs}
}

// Get reads key directly from the local engine. Read-your-writes is not
// guaranteed when called against a follower.
func (a *Adapter) Get(key uint64) ([]byte, error) {
	return a.engine.Get(key)
}

// Range reads [start, end] directly from the local engine.
func (a *Adapter) Range(start, end uint64) ([]core.KV, error) {
	return a.engine.Range(start, end)
}

// Put replicates a PUT command through the leader.
func (a *Adapter) Put(ctx context.Context, key uint64, value []byte) error {
	return a.mutate(ctx, command.Put{Key: key, Value: string(value)})
}

// Delete replicates a DELETE command through the leader.
func (a *Adapter) Delete(ctx context.Context, key uint64) error {
	return a.mutate(ctx, command.Delete{Key: key})
}

// BatchPut replicates a BATCH PUT command through the leader.
func (a *Adapter) BatchPut(ctx context.Context, kvs []core.KV) error {
	items := make([]command.KV, len(kvs))
	for i, kv := range kvs {
		items[i] = command.KV{Key: kv.Key, Value: string(kv.Value)}
	}
	return a.mutate(ctx, command.BatchPut{Items: items})
}

func (a *Adapter) mutate(ctx context.Context, cmd command.Command) error {
	if !a.node.IsLeader() {
		return a.notLeaderError()
	}

	err := a.node.AddRequestToLog(ctx, cmd)
	if err == raft.ErrNotLeader {
		return a.notLeaderError()
	}
	return err
}

func (a *Adapter) notLeaderError() *NotLeaderError {
	id := a.node.LeaderID()
	return &NotLeaderError{LeaderID: id, LeaderAddr: a.peerAddrs[id]}
}
