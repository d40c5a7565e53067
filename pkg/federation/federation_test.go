package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/types"
)

func TestRouterIsLocalAliases(t *testing.T) {
	reg := &StaticRegistry{Nodes: map[string]types.Node{}}
	r := NewRouter("node-a", reg, nil)

	assert.True(t, r.IsLocal("local"))
	assert.True(t, r.IsLocal("node_local"))
	assert.True(t, r.IsLocal("node-a"))
	assert.False(t, r.IsLocal("node-b"))
}

func TestRouterIsLocalViaRegistryBaseURL(t *testing.T) {
	reg := &StaticRegistry{Nodes: map[string]types.Node{
		"node-b": {NodeID: "node-b", BaseURL: ""},
	}}
	r := NewRouter("node-a", reg, nil)
	assert.True(t, r.IsLocal("node-b"))
}

func TestDispatchLocalReportsLocal(t *testing.T) {
	reg := &StaticRegistry{Nodes: map[string]types.Node{}}
	r := NewRouter("node-a", reg, nil)

	resp, err := r.Dispatch(context.Background(), "local", "GET", "/slots/x/status", nil, "")
	require.NoError(t, err)
	assert.True(t, resp.Local)
}

func TestDispatchUnknownNode(t *testing.T) {
	reg := &StaticRegistry{Nodes: map[string]types.Node{}}
	r := NewRouter("node-a", reg, nil)

	_, err := r.Dispatch(context.Background(), "node-z", "GET", "/slots/x/status", nil, "")
	assert.Error(t, err)
}

func TestDispatchForwardsToRemoteNode(t *testing.T) {
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotPath = req.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer upstream.Close()

	reg := &StaticRegistry{Nodes: map[string]types.Node{
		"node-b": {NodeID: "node-b", BaseURL: upstream.URL, SharedToken: "shared-secret"},
	}}
	r := NewRouter("node-a", reg, nil)

	resp, err := r.Dispatch(context.Background(), "node-b", "GET", "/slots/slot-1/status", nil, "")
	require.NoError(t, err)
	assert.False(t, resp.Local)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Bearer shared-secret", gotAuth)
	assert.Equal(t, "/slots/slot-1/status", gotPath)
	assert.Equal(t, "application/json", resp.ContentType)
}

func TestDispatchFallsBackToMintedAdminToken(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := &StaticRegistry{Nodes: map[string]types.Node{
		"node-b": {NodeID: "node-b", BaseURL: upstream.URL},
	}}
	issuer := auth.NewIssuer("test-secret", 0)
	r := NewRouter("node-a", reg, issuer)

	_, err := r.Dispatch(context.Background(), "node-b", "GET", "/slots/slot-1/status", nil, "")
	require.NoError(t, err)
	assert.Contains(t, gotAuth, "Bearer ")
	assert.NotEqual(t, "Bearer ", gotAuth)
}

func TestDispatchTransportFailureWrapsAsUpstreamError(t *testing.T) {
	reg := &StaticRegistry{Nodes: map[string]types.Node{
		"node-b": {NodeID: "node-b", BaseURL: "http://127.0.0.1:0", SharedToken: "x"},
	}}
	r := NewRouter("node-a", reg, nil)

	_, err := r.Dispatch(context.Background(), "node-b", "GET", "/slots/slot-1/status", nil, "")
	require.Error(t, err)
	var upErr *UpstreamError
	assert.ErrorAs(t, err, &upErr)
}

func TestStripNodePrefix(t *testing.T) {
	got := StripNodePrefix("/cluster/slots/node-b/slot-1/status", "slots", "node-b")
	assert.Equal(t, "/slot-1/status", got)
}

func TestDownloadDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="slot-1-leads.csv"`, DownloadDisposition("slot-1"))
}
