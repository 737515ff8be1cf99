package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"auctionchain/cmd/internal/passphrase"
	"auctionchain/crypto"
	"auctionchain/rpc"
)

const defaultKeystorePath = "wallet.json"

// cli carries the global flags shared by every subcommand.
type cli struct {
	endpoint     string
	keystorePath string
	adminToken   string
	passphrase   *passphrase.Source
	now          func() time.Time
	keystoreOpts []crypto.KeystoreOption
	timeout      time.Duration
}

func defaultRPCEndpoint() string {
	if env := strings.TrimSpace(os.Getenv("RPC_URL")); env != "" {
		return env
	}
	return "http://localhost:8545"
}

func newCLI() *cli {
	return &cli{
		endpoint:     defaultRPCEndpoint(),
		keystorePath: defaultKeystorePath,
		adminToken:   strings.TrimSpace(os.Getenv("AUCTION_ADMIN_TOKEN")),
		passphrase:   passphrase.NewSource(passphrase.EnvKeystorePassphrase),
		now:          time.Now,
		timeout:      15 * time.Second,
	}
}

func main() {
	os.Exit(newCLI().run(os.Args[1:], os.Stdout, os.Stderr))
}

func (c *cli) run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auction-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.endpoint, "rpc", c.endpoint, "JSON-RPC endpoint")
	fs.StringVar(&c.keystorePath, "keystore", c.keystorePath, "Path to the signing keystore")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "keygen":
		return c.runKeygen(rest[1:], stdout, stderr)
	case "address":
		return c.runAddress(stdout, stderr)
	case "open":
		return c.runOpen(rest[1:], stdout, stderr)
	case "bid":
		return c.runBid(rest[1:], stdout, stderr)
	case "settle":
		return c.runSigned("auction_settle", "settle", rest[1:], stdout, stderr)
	case "refund":
		return c.runSigned("auction_refund", "refund", rest[1:], stdout, stderr)
	case "close-unsold":
		return c.runSigned("auction_closeUnsold", "close-unsold", rest[1:], stdout, stderr)
	case "get":
		return c.runGet(rest[1:], stdout, stderr)
	case "get-bid":
		return c.runGetBid(rest[1:], stdout, stderr)
	case "events":
		return c.runEvents(rest[1:], stdout, stderr)
	case "balance":
		return c.runBalance(rest[1:], stdout, stderr)
	case "credit":
		return c.runCredit(rest[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: auction-cli [--rpc URL] [--keystore PATH] <command> [flags]",
		"",
		"Commands:",
		"  keygen [--out PATH]                         Generate a key and write an encrypted keystore",
		"  address                                     Print the keystore address",
		"  open (--deadline T | --duration D) --nonce N Open an auction (T: +72h, RFC3339 or unix seconds)",
		"  bid --id ID --amount AMOUNT                 Escrow a bid",
		"  settle --id ID                              Settle a closed auction (seller or winner)",
		"  refund --id ID                              Withdraw a losing bid after the deadline",
		"  close-unsold --id ID                        Close an auction that received no bids",
		"  get --id ID                                 Show an auction",
		"  get-bid --id ID [--bidder ADDR]             Show an escrowed bid",
		"  events [--id ID] [--limit N]                Show recent auction events",
		"  balance [--address ADDR]                    Show a ledger balance",
		"  credit --address ADDR --amount AMOUNT       Credit an account (requires AUCTION_ADMIN_TOKEN)",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (c *cli) runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", c.keystorePath, "Keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(stderr, "Error: %s already exists\n", *out)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	pass, err := c.passphrase.Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*out, key, pass, c.keystoreOpts...); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore: %s\n", key.PubKey().Address().String(), *out)
	return 0
}

func (c *cli) runAddress(stdout, stderr io.Writer) int {
	key, err := c.loadKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func (c *cli) loadKey() (*crypto.PrivateKey, error) {
	pass, err := c.passphrase.Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(c.keystorePath, pass)
}

// client returns an RPC client, loading the signing key when signed is set.
func (c *cli) client(signed bool) (*rpc.Client, error) {
	var key *crypto.PrivateKey
	if signed {
		loaded, err := c.loadKey()
		if err != nil {
			return nil, err
		}
		key = loaded
	}
	client := rpc.NewClient(c.endpoint, key)
	client.Now = c.now
	client.AdminToken = c.adminToken
	return client, nil
}

func (c *cli) call(signed bool, method string, payload interface{}, stdout, stderr io.Writer) int {
	client, err := c.client(signed)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var result json.RawMessage
	if signed {
		err = client.CallSigned(ctx, method, payload, &result)
	} else {
		err = client.Call(ctx, method, []interface{}{payload}, &result)
	}
	if err != nil {
		return printRPCError(stderr, err)
	}
	return printResult(stdout, stderr, result)
}

func printRPCError(stderr io.Writer, err error) int {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		fmt.Fprintf(stderr, "Error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if rpcErr.Data != nil {
			if data, marshalErr := json.Marshal(rpcErr.Data); marshalErr == nil {
				fmt.Fprintf(stderr, "Details: %s\n", data)
			}
		}
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printResult(stdout, stderr io.Writer, result json.RawMessage) int {
	if len(result) == 0 {
		return 0
	}
	var decoded interface{}
	if err := json.Unmarshal(result, &decoded); err != nil {
		fmt.Fprintf(stderr, "Error: decode result: %v\n", err)
		return 1
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(pretty))
	return 0
}
