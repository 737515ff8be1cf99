package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"auctionchain/crypto"
)

// Client calls the JSON-RPC surface, signing mutations with Key.
type Client struct {
	URL        string
	HTTP       *http.Client
	Key        *crypto.PrivateKey
	AdminToken string
	// Now stamps envelopes; defaults to the wall clock.
	Now func() time.Time

	nextID atomic.Int64
}

// NewClient returns a client for the endpoint at url.
func NewClient(url string, key *crypto.PrivateKey) *Client {
	return &Client{URL: strings.TrimRight(url, "/") + "/", HTTP: &http.Client{Timeout: 15 * time.Second}, Key: key}
}

// Call invokes method with raw params and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}

// CallSigned wraps payload in an envelope signed with the client key.
func (c *Client) CallSigned(ctx context.Context, method string, payload interface{}, out interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	env, err := SignEnvelope(c.Key, method, encoded, now().Unix())
	if err != nil {
		return err
	}
	return c.Call(ctx, method, []interface{}{env}, out)
}
