// Standalone RESP front door for raftcask: wires one node's engine and
// replicated log to the resp package, for smoke-testing with redis-cli
// against a single process without also standing up the peer transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/epokhe/raftcask/core"
	"github.com/epokhe/raftcask/frontend"
	"github.com/epokhe/raftcask/raft"
	"github.com/epokhe/raftcask/resp"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", "./data", "path to data directory")
		addr     = flag.String("addr", ":6379", "RESP listen address")
		nodeID   = flag.Uint64("id", 1, "this node's id")
		peerList = flag.String("peers", "", "comma-separated id=host:port peer list")
	)
	flag.Parse()

	engine, err := core.Open(*dataDir, core.WithRolloverThreshold(10*1024*1024))
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	peers, peerAddrs, err := parsePeers(*peerList)
	if err != nil {
		log.Fatalf("failed to parse -peers: %v", err)
	}

	store, entries, err := raft.OpenLogStore(*nodeID)
	if err != nil {
		log.Fatalf("failed to open applied-log: %v", err)
	}
	defer store.Close()

	node, err := raft.NewNode(*nodeID, peers, engine, store, entries, raft.WithRandomizedElectionTimeout(10, 20))
	if err != nil {
		log.Fatalf("failed to construct node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx, 100*time.Millisecond)

	adapter := frontend.NewAdapter(node, engine, peerAddrs)

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to start RESP listener: %v", err)
	}
	defer listener.Close()

	log.Printf("RESP front door listening on %s", *addr)
	if err := resp.Serve(listener, adapter, nil); err != nil {
		log.Fatalf("resp server stopped: %v", err)
	}
}

func parsePeers(s string) (map[uint64]raft.Peer, map[uint64]string, error) {
	peers := map[uint64]raft.Peer{}
	addrs := map[uint64]string{}
	if s == "" {
		return peers, addrs, nil
	}
	for _, entry := range strings.Split(s, ",") {
		idStr, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, nil, fmt.Errorf("malformed peer entry %q, want id=host:port", entry)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("peer id %q: %w", idStr, err)
		}
		peers[id] = raft.NewHTTPPeer(addr, 0)
		addrs[id] = addr
	}
	return peers, addrs, nil
}
