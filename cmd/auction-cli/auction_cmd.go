package main

import (
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

type openPayload struct {
	Deadline *int64 `json:"deadline,omitempty"`
	Duration string `json:"duration,omitempty"`
	Nonce    uint64 `json:"nonce"`
}

type bidPayload struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

type idPayload struct {
	ID string `json:"id"`
}

type bidQuery struct {
	ID     string `json:"id"`
	Bidder string `json:"bidder"`
}

type eventsQuery struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type addressQuery struct {
	Address string `json:"address"`
}

type creditPayload struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// parseDeadline accepts "+<duration>" relative to now, an RFC3339 timestamp
// or unix seconds.
func parseDeadline(raw string, now time.Time) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("deadline required")
	}
	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid relative deadline: %w", err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("relative deadline must be positive")
		}
		return now.Add(d).Unix(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.Unix(), nil
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline %q", raw)
	}
	return unix, nil
}

func validateAmount(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return "", fmt.Errorf("amount must be a positive integer")
	}
	return amount.String(), nil
}

func requireID(id string, stderr io.Writer) bool {
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return false
	}
	return true
}

func (c *cli) runOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("open", stderr)
	var (
		deadline string
		duration string
		nonce    uint64
	)
	fs.StringVar(&deadline, "deadline", "", "Closing time: +duration, RFC3339 or unix seconds")
	fs.StringVar(&duration, "duration", "", "Bidding window measured from the node clock (e.g. 72h)")
	fs.Uint64Var(&nonce, "nonce", 0, "Seller nonce that keeps auction ids unique")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	payload := openPayload{Nonce: nonce}
	switch {
	case deadline != "" && duration != "":
		fmt.Fprintln(stderr, "Error: --deadline and --duration are mutually exclusive")
		return 1
	case deadline != "":
		ts, err := parseDeadline(deadline, c.now())
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		payload.Deadline = &ts
	case duration != "":
		if _, err := time.ParseDuration(duration); err != nil {
			fmt.Fprintf(stderr, "Error: invalid duration: %v\n", err)
			return 1
		}
		payload.Duration = duration
	default:
		fmt.Fprintln(stderr, "Error: --deadline or --duration is required")
		return 1
	}
	return c.call(true, "auction_open", payload, stdout, stderr)
}

func (c *cli) runBid(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bid", stderr)
	id := fs.String("id", "", "Auction id")
	amount := fs.String("amount", "", "Bid amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !requireID(*id, stderr) {
		return 1
	}
	normalized, err := validateAmount(*amount)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return c.call(true, "auction_bid", bidPayload{ID: *id, Amount: normalized}, stdout, stderr)
}

// runSigned covers the signed commands that only take an auction id.
func (c *cli) runSigned(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	id := fs.String("id", "", "Auction id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !requireID(*id, stderr) {
		return 1
	}
	return c.call(true, method, idPayload{ID: *id}, stdout, stderr)
}

func (c *cli) runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	id := fs.String("id", "", "Auction id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !requireID(*id, stderr) {
		return 1
	}
	return c.call(false, "auction_get", idPayload{ID: *id}, stdout, stderr)
}

func (c *cli) runGetBid(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get-bid", stderr)
	id := fs.String("id", "", "Auction id")
	bidder := fs.String("bidder", "", "Bidder address (defaults to the keystore address)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !requireID(*id, stderr) {
		return 1
	}
	who, ok := c.addressOrSelf(*bidder, stderr)
	if !ok {
		return 1
	}
	return c.call(false, "auction_getBid", bidQuery{ID: *id, Bidder: who}, stdout, stderr)
}

func (c *cli) runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	id := fs.String("id", "", "Restrict to one auction")
	limit := fs.Int("limit", 0, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *limit < 0 {
		fmt.Fprintln(stderr, "Error: --limit must not be negative")
		return 1
	}
	return c.call(false, "auction_events", eventsQuery{ID: *id, Limit: *limit}, stdout, stderr)
}

func (c *cli) runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	address := fs.String("address", "", "Account address (defaults to the keystore address)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	who, ok := c.addressOrSelf(*address, stderr)
	if !ok {
		return 1
	}
	return c.call(false, "ledger_balance", addressQuery{Address: who}, stdout, stderr)
}

func (c *cli) runCredit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("credit", stderr)
	address := fs.String("address", "", "Account to credit")
	amount := fs.String("amount", "", "Amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*address) == "" {
		fmt.Fprintln(stderr, "Error: --address is required")
		return 1
	}
	if c.adminToken == "" {
		fmt.Fprintln(stderr, "Error: AUCTION_ADMIN_TOKEN must be set")
		return 1
	}
	normalized, err := validateAmount(*amount)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return c.call(false, "ledger_credit", creditPayload{Address: *address, Amount: normalized}, stdout, stderr)
}

func (c *cli) addressOrSelf(raw string, stderr io.Writer) (string, bool) {
	if value := strings.TrimSpace(raw); value != "" {
		return value, true
	}
	key, err := c.loadKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: no address given and keystore unavailable: %v\n", err)
		return "", false
	}
	return key.PubKey().Address().String(), true
}
