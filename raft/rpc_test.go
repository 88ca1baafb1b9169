package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogEntryRoundTrip(t *testing.T) {
	e := LogEntry{Term: 7, Entry: "PUT:1.a", Index: 3}
	got, err := ParseLogEntry(e.Encode())
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestAppendEntriesRequestRoundTrip(t *testing.T) {
	req := AppendEntriesRequest{
		Node:        4000,
		Term:        2,
		LeaderID:    5000,
		PrevLogIdx:  0,
		PrevLogTerm: 0,
		Entries: []LogEntry{
			{Term: 1, Entry: "PUT:1.a", Index: 0},
			{Term: 1, Entry: "DELETE:2", Index: 1},
		},
		LeaderCommit: 1,
	}

	got, err := DecodeAppendEntriesRequest(EncodeAppendEntriesRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestAppendEntriesRequestRoundTripNoEntries(t *testing.T) {
	req := AppendEntriesRequest{Node: 1, Term: 1, LeaderID: 1, LeaderCommit: 0}

	got, err := DecodeAppendEntriesRequest(EncodeAppendEntriesRequest(req))
	require.NoError(t, err)
	require.Empty(t, got.Entries)
}

func TestAppendEntriesResponseRoundTrip(t *testing.T) {
	for _, resp := range []AppendEntriesResponse{{Term: 5, Accepted: true}, {Term: 5, Accepted: false}} {
		got, err := DecodeAppendEntriesResponse(EncodeAppendEntriesResponse(resp))
		require.NoError(t, err)
		require.Equal(t, resp, got)
	}
}

func TestRequestVoteRoundTrip(t *testing.T) {
	req := RequestVoteRequest{Node: 1, Term: 3, CandidateID: 4000, LastLogIdx: 2, LastLogTerm: 1}
	got, err := DecodeRequestVoteRequest(EncodeRequestVoteRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, got)

	resp := RequestVoteResponse{Term: 3, Accepted: true}
	gotResp, err := DecodeRequestVoteResponse(EncodeRequestVoteResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestDecodeAppendEntriesRequestRejectsMalformed(t *testing.T) {
	_, err := DecodeAppendEntriesRequest("not,enough,fields")
	require.ErrorIs(t, err, ErrMalformedRPC)
}
