package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"auctionchain/crypto"
)

// GenesisSpec seeds the ledger of a fresh node.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	NetworkName string            `json:"networkName,omitempty"`
	Alloc       map[string]string `json:"alloc"` // addr -> amount

	genesisTimestamp time.Time
	allocations      map[[20]byte]*big.Int
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Validate parses the spec and caches the decoded allocations.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	allocations := make(map[[20]byte]*big.Int, len(s.Alloc))
	for addrStr, amountStr := range s.Alloc {
		decoded, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		addr := decoded.Array()
		if _, dup := allocations[addr]; dup {
			return fmt.Errorf("alloc[%q]: duplicate account", addrStr)
		}
		amount, err := parseAmountString(amountStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		allocations[addr] = amount
	}
	s.genesisTimestamp = parsedTime
	s.allocations = allocations
	return nil
}

func parseGenesisTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid genesisTime %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

func parseAmountString(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}
