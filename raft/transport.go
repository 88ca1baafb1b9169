package raft

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewHTTPRouter builds the peer-to-peer HTTP surface for node: POST
// /append-entries and POST /request-vote, both plain-text bodies per the
// wire form in rpc.go.
func NewHTTPRouter(node *Node, logger *zap.SugaredLogger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	srv := &httpServer{node: node, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/append-entries", srv.handleAppendEntries).Methods(http.MethodPost)
	r.HandleFunc("/request-vote", srv.handleRequestVote).Methods(http.MethodPost)
	return r
}

type httpServer struct {
	node   *Node
	logger *zap.SugaredLogger
}

func (s *httpServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	req, err := DecodeAppendEntriesRequest(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.node.HandleAppendEntries(req)
	fmt.Fprint(w, EncodeAppendEntriesResponse(resp))
}

func (s *httpServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	req, err := DecodeRequestVoteRequest(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.node.HandleRequestVote(req)
	fmt.Fprint(w, EncodeRequestVoteResponse(resp))
}

// HTTPPeer is a Peer backed by plain-text HTTP/1.1 calls to one cluster
// member's peer address.
type HTTPPeer struct {
	addr   string
	client *http.Client
}

// NewHTTPPeer builds a Peer that dials addr (host:port, no scheme) with
// timeout as the per-call limit; a zero timeout means no limit, as for
// http.Client.
func NewHTTPPeer(addr string, timeout time.Duration) *HTTPPeer {
	return &HTTPPeer{
		addr:   addr,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPeer) AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	body, err := p.post(ctx, "/append-entries", EncodeAppendEntriesRequest(req))
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return DecodeAppendEntriesResponse(body)
}

func (p *HTTPPeer) RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	body, err := p.post(ctx, "/request-vote", EncodeRequestVoteRequest(req))
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return DecodeRequestVoteResponse(body)
}

func (p *HTTPPeer) post(ctx context.Context, path, body string) (string, error) {
	url := "http://" + p.addr + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request to %s: %w", url, err)
	}
	httpReq.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("peer %s unreachable: %w", p.addr, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response from %s: %w", p.addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("peer %s returned status %d: %s", p.addr, resp.StatusCode, respBody)
	}
	return string(respBody), nil
}
