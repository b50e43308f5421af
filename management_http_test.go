package distcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/config"
	"github.com/hyp3rd/distcache/pkg/consistency"
)

func doRequest(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	assert.NoError(t, err)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	return resp.StatusCode, data
}

func TestManagementHTTP_Routes(t *testing.T) {
	tc := newTestCluster(t, 3, func(cfg *config.Config) {
		if cfg.Node.ID == "node-0" {
			cfg.Cluster.Peers = cfg.Cluster.Peers[:1]
		}
	})
	ctx := context.Background()
	c := tc.nodes[0]

	assert.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute, WithLevel(consistency.All)))

	srv := NewManagementHTTPServer("127.0.0.1:0")
	assert.NoError(t, srv.Start(ctx, c))

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://" + srv.Address()

	code, body := doRequest(t, http.MethodGet, base+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = doRequest(t, http.MethodGet, base+"/node", "")
	assert.Equal(t, http.StatusOK, code)

	var info cluster.Info
	assert.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "node-0", info.ID)

	code, _ = doRequest(t, http.MethodPost, base+"/cluster/nodes", `{"id":"node-2","host":"127.0.0.1","port":7002}`)
	assert.Equal(t, http.StatusCreated, code)

	code, _ = doRequest(t, http.MethodPost, base+"/cluster/nodes", `{"id":"node-2","host":"127.0.0.1","port":7002}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = doRequest(t, http.MethodPost, base+"/cluster/nodes", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = doRequest(t, http.MethodGet, base+"/cluster/nodes", "")
	assert.Equal(t, http.StatusOK, code)

	var nodes struct {
		Nodes []cluster.Info `json:"nodes"`
	}
	assert.NoError(t, json.Unmarshal(body, &nodes))
	assert.Equal(t, 3, len(nodes.Nodes))

	code, body = doRequest(t, http.MethodPost, base+"/cluster/rebalance", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(body), `"scanned":1`))

	_, ok := tc.nodes[2].Storage().Get("k")
	assert.True(t, ok)

	code, _ = doRequest(t, http.MethodGet, base+"/cluster/replication", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = doRequest(t, http.MethodGet, base+"/cluster/replication?key=k", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(body), `"expected_replicas":2`))

	code, body = doRequest(t, http.MethodGet, base+"/cluster/consistency?key=k", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(body), `"consistent":true`))

	code, _ = doRequest(t, http.MethodDelete, base+"/cluster/nodes/node-2", "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = doRequest(t, http.MethodDelete, base+"/cluster/nodes/node-2", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doRequest(t, http.MethodDelete, base+"/cluster/nodes/node-0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestManagementHTTP_Auth(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	srv := NewManagementHTTPServer("127.0.0.1:0", WithMgmtAuth(func(fiberCtx fiber.Ctx) error {
		if fiberCtx.Get("X-Token") != "secret" {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}

		return nil
	}))
	assert.NoError(t, srv.Start(context.Background(), tc.nodes[0]))

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	code, _ := doRequest(t, http.MethodGet, "http://"+srv.Address()+"/stats", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}
