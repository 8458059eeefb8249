package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
)

const clientTimeout = 10 * time.Second

// kvClient speaks the command protocol to shards and the admin HTTP
// surface to a coordinator. It routes keys itself from a polled copy of
// the shard map, falling back to the coordinator's colocated shard for
// keys no range covers.
type kvClient struct {
	coordinatorAddr string
	adminAddr       string
	keyspace        string

	httpClient *http.Client
	router     *topology.CachedRouter
	coordShard transaction.ShardID

	conns map[string]*shardConn
}

type shardConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newKVClient(coordinatorAddr, adminAddr, keyspace string) *kvClient {
	return &kvClient{
		coordinatorAddr: coordinatorAddr,
		adminAddr:       adminAddr,
		keyspace:        keyspace,
		httpClient:      &http.Client{Timeout: clientTimeout},
		router:          topology.NewCachedRouter(),
		conns:           make(map[string]*shardConn),
	}
}

// refreshRouting pulls the current shard map and the coordinator's own
// shard id. Routing failures are survivable: everything falls back to the
// coordinator address.
func (c *kvClient) refreshRouting() error {
	resp, err := c.httpClient.Get("http://" + c.adminAddr + "/cluster/routing")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("routing fetch returned status %d", resp.StatusCode)
	}
	var snap topology.RoutingSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding routing snapshot: %w", err)
	}
	c.router.Update(snap)

	if c.coordShard == "" {
		status, err := c.httpClient.Get("http://" + c.adminAddr + "/status")
		if err != nil {
			return err
		}
		defer status.Body.Close()
		var reply struct {
			ShardID string `json:"shard_id"`
		}
		if err := json.NewDecoder(status.Body).Decode(&reply); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		c.coordShard = transaction.ShardID(reply.ShardID)
	}
	return nil
}

// route picks the shard and address a key's command should go to.
func (c *kvClient) route(key string) (transaction.ShardID, string) {
	nodeID, ok := c.router.NodeForKey(c.keyspace, key)
	if !ok {
		return c.coordShard, c.coordinatorAddr
	}
	if addr, ok := c.router.NodeAddress(nodeID); ok {
		return transaction.ShardID(nodeID), addr
	}
	return c.coordShard, c.coordinatorAddr
}

// dataRequest routes by key and follows one redirect, refreshing the
// shard map in between. A second redirect means the map is churning;
// surface it instead of looping.
func (c *kvClient) dataRequest(req transaction.CommandRequest) (transaction.ShardID, transaction.CommandResponse, error) {
	shard, addr := c.route(req.Key)
	resp, err := c.exchange(addr, req)
	if err != nil {
		return shard, resp, err
	}
	if resp.Status != transaction.StatusRedirect {
		return shard, resp, nil
	}
	if err := c.refreshRouting(); err != nil {
		return shard, resp, fmt.Errorf("redirected to %s but routing refresh failed: %w", resp.RedirectTo, err)
	}
	shard = resp.RedirectTo
	addr, ok := c.router.NodeAddress(string(resp.RedirectTo))
	if !ok {
		return shard, resp, fmt.Errorf("redirected to unknown shard %s", resp.RedirectTo)
	}
	resp, err = c.exchange(addr, req)
	if err == nil && resp.Status == transaction.StatusRedirect {
		return shard, resp, fmt.Errorf("shard map unstable: redirected again to %s", resp.RedirectTo)
	}
	return shard, resp, err
}

// coordinatorRequest sends a command straight to the coordinator node.
func (c *kvClient) coordinatorRequest(req transaction.CommandRequest) (transaction.CommandResponse, error) {
	return c.exchange(c.coordinatorAddr, req)
}

// shardRequest sends a command to a specific shard by id.
func (c *kvClient) shardRequest(shard transaction.ShardID, req transaction.CommandRequest) (transaction.CommandResponse, error) {
	if shard == c.coordShard || shard == "" {
		return c.exchange(c.coordinatorAddr, req)
	}
	addr, ok := c.router.NodeAddress(string(shard))
	if !ok {
		return transaction.CommandResponse{}, fmt.Errorf("no address known for shard %s", shard)
	}
	return c.exchange(addr, req)
}

// exchange performs one request/response on the cached connection to
// addr, dialing on first use. A transport failure retires the connection
// and retries once on a fresh dial, which covers servers that restarted
// since the last command.
func (c *kvClient) exchange(addr string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
	resp, err := c.exchangeOnce(addr, req)
	if err != nil {
		c.dropConn(addr)
		resp, err = c.exchangeOnce(addr, req)
		if err != nil {
			c.dropConn(addr)
		}
	}
	return resp, err
}

func (c *kvClient) exchangeOnce(addr string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
	sc, err := c.getConn(addr)
	if err != nil {
		return transaction.CommandResponse{}, err
	}
	sc.conn.SetDeadline(time.Now().Add(clientTimeout))
	if err := transaction.WriteJSONLine(sc.conn, req); err != nil {
		return transaction.CommandResponse{}, err
	}
	var resp transaction.CommandResponse
	if err := transaction.ReadJSONLine(sc.reader, &resp); err != nil {
		return transaction.CommandResponse{}, err
	}
	return resp, nil
}

func (c *kvClient) getConn(addr string) (*shardConn, error) {
	if sc, ok := c.conns[addr]; ok {
		return sc, nil
	}
	conn, err := net.DialTimeout("tcp", addr, clientTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sc := &shardConn{conn: conn, reader: bufio.NewReader(conn)}
	c.conns[addr] = sc
	return sc, nil
}

func (c *kvClient) dropConn(addr string) {
	if sc, ok := c.conns[addr]; ok {
		sc.conn.Close()
		delete(c.conns, addr)
	}
}

func (c *kvClient) close() {
	for addr, sc := range c.conns {
		sc.conn.Close()
		delete(c.conns, addr)
	}
}

// --- admin HTTP helpers ---

// adminGet fetches an admin endpoint and returns the body, pretty-printed
// when it is JSON.
func (c *kvClient) adminGet(path string) (string, error) {
	resp, err := c.httpClient.Get("http://" + c.adminAddr + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return prettyJSON(body), nil
}

// adminPost posts to an admin endpoint with an optional JSON body.
func (c *kvClient) adminPost(path string, body interface{}) (string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.httpClient.Post("http://"+c.adminAddr+path, "application/json", reader)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(raw))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, text)
	}
	return prettyJSON(raw), nil
}

func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
