package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
)

// internal status code threshold for error classification.
const statusThreshold = 300

const (
	errMsgNewRequest = "new request"
	errMsgDoRequest  = "do request"
)

// HTTPClient implements protocol.Sender over HTTP.
type HTTPClient struct {
	client    *http.Client
	codec     *protocol.Codec
	baseURLFn func(*cluster.Node) (string, bool)
}

// NewHTTPClient creates a client. A nil resolver targets http://<node address>.
func NewHTTPClient(timeout time.Duration, codec *protocol.Codec, resolver func(*cluster.Node) (string, bool)) *HTTPClient {
	if timeout <= 0 {
		timeout = protocol.DefaultTimeout
	}

	if resolver == nil {
		resolver = func(n *cluster.Node) (string, bool) { return "http://" + n.Address(), true }
	}

	return &HTTPClient{
		client:    &http.Client{Timeout: timeout},
		codec:     codec,
		baseURLFn: resolver,
	}
}

// Send implements protocol.Sender.
func (c *HTTPClient) Send(ctx context.Context, target *cluster.Node, msg *protocol.Message) (*protocol.Reply, error) {
	base, ok := c.baseURLFn(target)
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrNodeNotFound, string(target.ID()))
	}

	payload, err := c.codec.EncodeMessage(msg)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode message")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+MessagePath, bytes.NewReader(payload))
	if err != nil {
		return nil, ewrap.Wrap(err, errMsgNewRequest)
	}

	hreq.Header.Set("Content-Type", c.codec.ContentType())

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, ewrap.Wrap(err, errMsgDoRequest)
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ewrap.Wrap(err, "read body")
	}

	if resp.StatusCode >= statusThreshold {
		return nil, ewrap.Newf("%s to %s status %d body %s", msg.Type, target.ID(), resp.StatusCode, string(body))
	}

	reply, err := c.codec.DecodeReply(body)
	if err != nil {
		return nil, ewrap.Wrap(err, "decode reply")
	}

	return reply, nil
}

// Health probes the transport health endpoint of target.
func (c *HTTPClient) Health(ctx context.Context, target *cluster.Node) error {
	base, ok := c.baseURLFn(target)
	if !ok {
		return ewrap.Wrap(sentinel.ErrNodeNotFound, string(target.ID()))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return ewrap.Wrap(err, errMsgNewRequest)
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(err, errMsgDoRequest)
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return ewrap.Newf("health status %d", resp.StatusCode)
	}

	return nil
}
