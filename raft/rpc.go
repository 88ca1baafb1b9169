package raft

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Peer is the transport contract for one remote cluster member: two
// synchronous calls, at-most-once delivery, I/O errors surfaced as "peer
// unreachable" to the caller.
type Peer interface {
	AppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
}

type AppendEntriesRequest struct {
	Node         uint64
	Term         uint64
	LeaderID     uint64
	PrevLogIdx   uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term     uint64
	Accepted bool
}

type RequestVoteRequest struct {
	Node        uint64
	Term        uint64
	CandidateID uint64
	LastLogIdx  uint64
	LastLogTerm uint64
}

type RequestVoteResponse struct {
	Term     uint64
	Accepted bool
}

// EncodeAppendEntriesRequest renders req as
// node,term,leader_id,prev_log_idx,prev_log_term,+e1+e2+...,lead_commit.
func EncodeAppendEntriesRequest(req AppendEntriesRequest) string {
	encoded := make([]string, len(req.Entries))
	for i, e := range req.Entries {
		encoded[i] = e.Encode()
	}
	blob := "+" + strings.Join(encoded, "+")

	return strings.Join([]string{
		strconv.FormatUint(req.Node, 10),
		strconv.FormatUint(req.Term, 10),
		strconv.FormatUint(req.LeaderID, 10),
		strconv.FormatUint(req.PrevLogIdx, 10),
		strconv.FormatUint(req.PrevLogTerm, 10),
		blob,
		strconv.FormatUint(req.LeaderCommit, 10),
	}, ",")
}

// DecodeAppendEntriesRequest parses the body produced by
// EncodeAppendEntriesRequest.
func DecodeAppendEntriesRequest(body string) (AppendEntriesRequest, error) {
	parts := strings.Split(strings.TrimSpace(body), ",")
	if len(parts) != 7 {
		return AppendEntriesRequest{}, fmt.Errorf("%w: append-entries body %q", ErrMalformedRPC, body)
	}

	node, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: node %q: %v", ErrMalformedRPC, parts[0], err)
	}
	term, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: term %q: %v", ErrMalformedRPC, parts[1], err)
	}
	leaderID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: leader_id %q: %v", ErrMalformedRPC, parts[2], err)
	}
	prevIdx, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: prev_log_idx %q: %v", ErrMalformedRPC, parts[3], err)
	}
	prevTerm, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: prev_log_term %q: %v", ErrMalformedRPC, parts[4], err)
	}
	entries, err := decodeEntriesBlob(parts[5])
	if err != nil {
		return AppendEntriesRequest{}, err
	}
	leadCommit, err := strconv.ParseUint(parts[6], 10, 64)
	if err != nil {
		return AppendEntriesRequest{}, fmt.Errorf("%w: lead_commit %q: %v", ErrMalformedRPC, parts[6], err)
	}

	return AppendEntriesRequest{
		Node:         node,
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIdx:   prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leadCommit,
	}, nil
}

func decodeEntriesBlob(blob string) ([]LogEntry, error) {
	if !strings.HasPrefix(blob, "+") {
		return nil, fmt.Errorf("%w: entries blob %q missing + prefix", ErrMalformedRPC, blob)
	}
	rest := blob[1:]
	if rest == "" {
		return nil, nil
	}

	parts := strings.Split(rest, "+")
	entries := make([]LogEntry, len(parts))
	for i, p := range parts {
		e, err := ParseLogEntry(p)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// EncodeAppendEntriesResponse renders resp as term,accepted.
func EncodeAppendEntriesResponse(resp AppendEntriesResponse) string {
	return fmt.Sprintf("%d,%s", resp.Term, formatBool(resp.Accepted))
}

// DecodeAppendEntriesResponse parses the body produced by
// EncodeAppendEntriesResponse.
func DecodeAppendEntriesResponse(body string) (AppendEntriesResponse, error) {
	term, accepted, err := splitTermAccepted(body)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return AppendEntriesResponse{Term: term, Accepted: accepted}, nil
}

// EncodeRequestVoteRequest renders req as
// node,term,candidate_id,last_log_idx,last_log_term.
func EncodeRequestVoteRequest(req RequestVoteRequest) string {
	return strings.Join([]string{
		strconv.FormatUint(req.Node, 10),
		strconv.FormatUint(req.Term, 10),
		strconv.FormatUint(req.CandidateID, 10),
		strconv.FormatUint(req.LastLogIdx, 10),
		strconv.FormatUint(req.LastLogTerm, 10),
	}, ",")
}

// DecodeRequestVoteRequest parses the body produced by EncodeRequestVoteRequest.
func DecodeRequestVoteRequest(body string) (RequestVoteRequest, error) {
	parts := strings.Split(strings.TrimSpace(body), ",")
	if len(parts) != 5 {
		return RequestVoteRequest{}, fmt.Errorf("%w: request-vote body %q", ErrMalformedRPC, body)
	}

	node, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return RequestVoteRequest{}, fmt.Errorf("%w: node %q: %v", ErrMalformedRPC, parts[0], err)
	}
	term, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return RequestVoteRequest{}, fmt.Errorf("%w: term %q: %v", ErrMalformedRPC, parts[1], err)
	}
	candidateID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return RequestVoteRequest{}, fmt.Errorf("%w: candidate_id %q: %v", ErrMalformedRPC, parts[2], err)
	}
	lastIdx, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return RequestVoteRequest{}, fmt.Errorf("%w: last_log_idx %q: %v", ErrMalformedRPC, parts[3], err)
	}
	lastTerm, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return RequestVoteRequest{}, fmt.Errorf("%w: last_log_term %q: %v", ErrMalformedRPC, parts[4], err)
	}

	return RequestVoteRequest{
		Node:        node,
		Term:        term,
		CandidateID: candidateID,
		LastLogIdx:  lastIdx,
		LastLogTerm: lastTerm,
	}, nil
}

// EncodeRequestVoteResponse renders resp as term,accepted.
func EncodeRequestVoteResponse(resp RequestVoteResponse) string {
	return fmt.Sprintf("%d,%s", resp.Term, formatBool(resp.Accepted))
}

// DecodeRequestVoteResponse parses the body produced by EncodeRequestVoteResponse.
func DecodeRequestVoteResponse(body string) (RequestVoteResponse, error) {
	term, accepted, err := splitTermAccepted(body)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return RequestVoteResponse{Term: term, Accepted: accepted}, nil
}

func splitTermAccepted(body string) (uint64, bool, error) {
	parts := strings.Split(strings.TrimSpace(body), ",")
	if len(parts) != 2 {
		return 0, false, fmt.Errorf("%w: response body %q", ErrMalformedRPC, body)
	}
	term, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: response term %q: %v", ErrMalformedRPC, parts[0], err)
	}
	switch parts[1] {
	case "true":
		return term, true, nil
	case "false":
		return term, false, nil
	default:
		return 0, false, fmt.Errorf("%w: response accepted %q", ErrMalformedRPC, parts[1])
	}
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
