// Package federation implements the cluster federation router: for each
// per-slot operation it either serves the local slot directly or
// forwards the request to the owning node. The router is a thin struct
// wrapping a transport, one method per operation, explicit per-call
// timeout context, using net/http + bearer token rather than gRPC.
package federation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/types"
)

// dispatchTimeout is the upstream call budget for a federated dispatch.
const dispatchTimeout = 12 * time.Second

// Registry resolves node records by id.
type Registry interface {
	Lookup(nodeID string) (types.Node, bool)
}

// StaticRegistry is a YAML-config-backed Registry loaded once at startup
// from the node registry file.
type StaticRegistry struct {
	Nodes map[string]types.Node
}

func (r *StaticRegistry) Lookup(nodeID string) (types.Node, bool) {
	n, ok := r.Nodes[nodeID]
	return n, ok
}

// Response is the result of a dispatched operation: either it was served
// locally (Local=true, caller runs its own handler) or forwarded, in
// which case Status/Body/ContentType carry the upstream response
// verbatim.
type Response struct {
	Local       bool
	Status      int
	Body        []byte
	ContentType string
}

// UpstreamError wraps a transport failure into the BadGateway shape:
// transport failures surface as BadGateway carrying the transport error
// message.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("bad gateway: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Router dispatches per-slot operations to the node that owns them.
type Router struct {
	LocalNodeID string
	Registry    Registry
	Issuer      *auth.Issuer
	HTTPClient  *http.Client
}

// NewRouter constructs a Router with a dispatchTimeout-scoped default
// HTTP client.
func NewRouter(localNodeID string, registry Registry, issuer *auth.Issuer) *Router {
	return &Router{
		LocalNodeID: localNodeID,
		Registry:    registry,
		Issuer:      issuer,
		HTTPClient:  &http.Client{Timeout: dispatchTimeout},
	}
}

// IsLocal reports whether nodeID resolves to this node, matching the
// local/node_local/configured-id aliasing rule.
func (r *Router) IsLocal(nodeID string) bool {
	if nodeID == "local" || nodeID == "node_local" || nodeID == r.LocalNodeID {
		return true
	}
	node, ok := r.Registry.Lookup(nodeID)
	return ok && node.IsLocal(r.LocalNodeID)
}

// Dispatch resolves nodeID and either reports Local (the caller then runs
// its own in-process handler) or forwards method+path+body upstream,
// attaching a bearer token: the node's configured shared token, falling
// back to a locally-minted admin token when none is configured.
func (r *Router) Dispatch(ctx context.Context, nodeID, method, path string, body []byte, contentType string) (*Response, error) {
	if r.IsLocal(nodeID) {
		return &Response{Local: true}, nil
	}

	node, ok := r.Registry.Lookup(nodeID)
	if !ok {
		return nil, fmt.Errorf("unknown node %q", nodeID)
	}
	if node.BaseURL == "" {
		return nil, fmt.Errorf("node %q has no base_url configured", nodeID)
	}

	token := node.SharedToken
	if token == "" && r.Issuer != nil {
		minted, err := r.Issuer.IssueAdmin("federation-" + r.LocalNodeID)
		if err != nil {
			return nil, fmt.Errorf("mint fallback admin token: %w", err)
		}
		token = minted
	}

	url := strings.TrimRight(node.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	reqCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	return &Response{
		Local:       false,
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// StripNodePrefix removes the /cluster/{kind}/{node_id} prefix from a
// cluster-form route, returning the local-form path forwarded to the
// owning node (e.g. "/cluster/slots/node2/slot-1/status" ->
// "/slot-1/status").
func StripNodePrefix(path, kind, nodeID string) string {
	prefix := fmt.Sprintf("/cluster/%s/%s", kind, nodeID)
	return strings.TrimPrefix(path, prefix)
}

// DownloadDisposition synthesizes the Content-Disposition header for a
// leads-download response, whether served locally or proxied from the
// owning node. A proxied download is read in full by Dispatch before it is
// written back; it is not streamed.
func DownloadDisposition(slotID string) string {
	return fmt.Sprintf(`attachment; filename="%s-leads.csv"`, slotID)
}
