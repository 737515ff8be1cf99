package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auctionchain/cmd/internal/passphrase"
	"auctionchain/core"
	"auctionchain/crypto"
	"auctionchain/rpc"
	"auctionchain/storage"
)

const cliTestNow = int64(1_700_000_000)

type cliEnv struct {
	node *core.Node
	url  string
	now  *atomic.Int64
	dir  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv(passphrase.EnvKeystorePassphrase, "correct horse battery staple")
	now := &atomic.Int64{}
	now.Store(cliTestNow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := core.NewNode(storage.NewMemDB(),
		core.WithClock(func() (int64, error) { return now.Load(), nil }),
		core.WithMinimumBid(big.NewInt(10)),
		core.WithLogger(logger),
	)
	require.NoError(t, err)
	srv, err := rpc.NewServer(node, rpc.ServerConfig{
		AdminJWTSecret: "cli-test-secret",
		Logger:         logger,
		Now:            func() time.Time { return time.Unix(now.Load(), 0) },
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &cliEnv{node: node, url: ts.URL, now: now, dir: t.TempDir()}
}

// newUser returns a cli bound to a freshly generated keystore.
func (e *cliEnv) newUser(t *testing.T, name string) (*cli, string) {
	t.Helper()
	c := newCLI()
	c.endpoint = e.url
	c.keystorePath = filepath.Join(e.dir, name+".json")
	c.keystoreOpts = []crypto.KeystoreOption{crypto.WithLightScrypt()}
	c.now = func() time.Time { return time.Unix(e.now.Load(), 0) }

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, c.run([]string{"keygen"}, &stdout, &stderr), stderr.String())
	line := strings.SplitN(stdout.String(), "\n", 2)[0]
	return c, strings.TrimSpace(strings.TrimPrefix(line, "Address:"))
}

func runCLI(t *testing.T, c *cli, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := c.run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestAuctionCommandsAgainstNode(t *testing.T) {
	env := newCLIEnv(t)
	seller, _ := env.newUser(t, "seller")
	bidder, bidderAddr := env.newUser(t, "bidder")

	addr, err := crypto.ParseAddress(bidderAddr)
	require.NoError(t, err)
	require.NoError(t, env.node.Credit(context.Background(), addr, big.NewInt(500)))

	code, out, stderr := runCLI(t, seller, "open", "--duration", "60s", "--nonce", "1")
	require.Equal(t, 0, code, stderr)
	var opened rpc.AuctionJSON
	require.NoError(t, json.Unmarshal([]byte(out), &opened))
	require.Equal(t, cliTestNow+60, opened.Deadline)

	code, _, stderr = runCLI(t, bidder, "bid", "--id", opened.ID, "--amount", "120")
	require.Equal(t, 0, code, stderr)

	code, out, stderr = runCLI(t, bidder, "balance")
	require.Equal(t, 0, code, stderr)
	var balance rpc.BalanceJSON
	require.NoError(t, json.Unmarshal([]byte(out), &balance))
	require.Equal(t, "380", balance.Balance)

	code, out, stderr = runCLI(t, bidder, "get-bid", "--id", opened.ID)
	require.Equal(t, 0, code, stderr)
	var bid rpc.BidJSON
	require.NoError(t, json.Unmarshal([]byte(out), &bid))
	require.Equal(t, "120", bid.Amount)

	code, _, stderr = runCLI(t, seller, "settle", "--id", opened.ID)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error -32034")

	env.now.Add(61)
	code, _, stderr = runCLI(t, seller, "settle", "--id", opened.ID)
	require.Equal(t, 0, code, stderr)

	code, out, stderr = runCLI(t, seller, "get", "--id", opened.ID)
	require.Equal(t, 0, code, stderr)
	var settled rpc.AuctionJSON
	require.NoError(t, json.Unmarshal([]byte(out), &settled))
	require.Equal(t, bidderAddr, settled.HighestBidder)
	require.Equal(t, "120", settled.HighestBid)

	code, out, stderr = runCLI(t, seller, "events", "--id", opened.ID)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "auction.settled")
}

func TestCommandValidation(t *testing.T) {
	c := newCLI()
	c.endpoint = "http://127.0.0.1:1"
	c.adminToken = ""

	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no command", args: nil, want: "Usage: auction-cli"},
		{name: "unknown", args: []string{"launch"}, want: "Unknown command: launch"},
		{name: "open without window", args: []string{"open", "--nonce", "1"}, want: "--deadline or --duration is required"},
		{name: "open both", args: []string{"open", "--deadline", "+1h", "--duration", "1h"}, want: "mutually exclusive"},
		{name: "bid without id", args: []string{"bid", "--amount", "5"}, want: "--id is required"},
		{name: "bid zero", args: []string{"bid", "--id", "aa", "--amount", "0"}, want: "positive integer"},
		{name: "settle without id", args: []string{"settle"}, want: "--id is required"},
		{name: "credit without token", args: []string{"credit", "--address", "auc1x", "--amount", "5"}, want: "AUCTION_ADMIN_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, c, tc.args...)
			require.Equal(t, 1, code)
			require.Contains(t, stderr, tc.want)
		})
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(cliTestNow, 0)

	got, err := parseDeadline("+72h", now)
	require.NoError(t, err)
	require.Equal(t, cliTestNow+72*3600, got)

	got, err = parseDeadline("2024-01-02T03:04:05Z", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Unix(), got)

	got, err = parseDeadline("1700000123", now)
	require.NoError(t, err)
	require.Equal(t, int64(1700000123), got)

	for _, bad := range []string{"", "+-1h", "tomorrow"} {
		_, err := parseDeadline(bad, now)
		require.Error(t, err, bad)
	}
}
