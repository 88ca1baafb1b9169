// Node process for raftcask: wires the storage engine, the replicated-log
// state machine, the peer-to-peer HTTP transport and the RESP front door
// into one runnable cluster member.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/epokhe/raftcask/core"
	"github.com/epokhe/raftcask/frontend"
	"github.com/epokhe/raftcask/raft"
	"github.com/epokhe/raftcask/resp"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  server -id <node-id> -data-dir <dir> -peer-addr <host:port> -peers <id=host:port,...>\n")
	os.Exit(1)
}

func main() {
	var (
		nodeID     = flag.Uint64("id", 0, "this node's id")
		dataDir    = flag.String("data-dir", "", "path to data directory")
		peerAddr   = flag.String("peer-addr", ":7000", "this node's peer-transport listen address")
		respAddr   = flag.String("resp-addr", ":6379", "RESP front door listen address")
		peerList   = flag.String("peers", "", "comma-separated id=host:port peer list, excluding self")
		debug      = flag.Bool("debug", false, "use a development logger instead of production")
	)
	flag.Parse()

	if *nodeID == 0 || *dataDir == "" {
		usage()
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	engine, err := core.Open(*dataDir, core.WithLogger(sugar))
	if err != nil {
		sugar.Fatalw("could not open engine", "err", err)
	}

	peers, peerAddrs, err := parsePeerAddrs(*peerList)
	if err != nil {
		sugar.Fatalw("could not parse -peers", "err", err)
	}

	store, entries, err := raft.OpenLogStore(*nodeID)
	if err != nil {
		sugar.Fatalw("could not open applied-log", "err", err)
	}

	node, err := raft.NewNode(*nodeID, peers, engine, store, entries,
		raft.WithLogger(sugar),
		raft.WithRandomizedElectionTimeout(10, 20),
	)
	if err != nil {
		sugar.Fatalw("could not construct node", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx, 100*time.Millisecond)

	peerListener, err := net.Listen("tcp", *peerAddr)
	if err != nil {
		sugar.Fatalw("could not start peer transport", "err", err)
	}
	peerServer := &http.Server{Handler: raft.NewHTTPRouter(node, sugar)}
	go func() {
		if err := peerServer.Serve(peerListener); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("peer transport stopped", "err", err)
		}
	}()
	sugar.Infow("peer transport listening", "addr", *peerAddr)

	adapter := frontend.NewAdapter(node, engine, peerAddrs)
	respListener, err := net.Listen("tcp", *respAddr)
	if err != nil {
		sugar.Fatalw("could not start RESP front door", "err", err)
	}
	go func() {
		if err := resp.Serve(respListener, adapter, sugar); err != nil {
			sugar.Errorw("resp front door stopped", "err", err)
		}
	}()
	sugar.Infow("resp front door listening", "addr", *respAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("received signal", "signal", sig)
	case err := <-engine.CompactErrors():
		sugar.Errorw("compaction error", "err", err)
	}

	sugar.Infow("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	peerServer.Shutdown(shutdownCtx)
	respListener.Close()
	engine.Close()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parsePeerAddrs(s string) (map[uint64]raft.Peer, map[uint64]string, error) {
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
		peers[id] = raft.NewHTTPPeer(addr, 2*time.Second)
		addrs[id] = addr
	}
	return peers, addrs, nil
}
