package genesis

import (
	"bytes"
	"fmt"
	"sort"

	"auctionchain/core/state"
	"auctionchain/storage"
)

var appliedKey = []byte("genesis/applied")

type appliedMarker struct {
	GenesisTime uint64
}

// Apply credits the genesis allocations in one batch. It is a no-op when the
// database already carries a genesis; the returned bool reports whether the
// allocations were written.
func Apply(spec *GenesisSpec, db storage.Database) (bool, error) {
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if db == nil {
		return false, fmt.Errorf("database must not be nil")
	}
	if spec.allocations == nil {
		if err := spec.Validate(); err != nil {
			return false, err
		}
	}
	manager := state.NewManager(db)
	var marker appliedMarker
	applied, err := manager.KVGet(appliedKey, &marker)
	if err != nil {
		return false, fmt.Errorf("read genesis marker: %w", err)
	}
	if applied {
		return false, nil
	}

	// Accounts sorted for a deterministic batch.
	accounts := make([][20]byte, 0, len(spec.allocations))
	for addr := range spec.allocations {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool { return bytes.Compare(accounts[i][:], accounts[j][:]) < 0 })
	for _, addr := range accounts {
		isTreasury, err := manager.IsTreasury(addr)
		if err != nil {
			return false, err
		}
		if isTreasury {
			return false, fmt.Errorf("alloc %x: treasury accounts cannot be funded", addr)
		}
		if err := manager.Credit(addr, spec.allocations[addr]); err != nil {
			return false, fmt.Errorf("alloc %x: %w", addr, err)
		}
	}
	if err := manager.KVPut(appliedKey, &appliedMarker{GenesisTime: uint64(spec.genesisTimestamp.Unix())}); err != nil {
		return false, err
	}
	if err := manager.Commit(); err != nil {
		return false, fmt.Errorf("commit genesis: %w", err)
	}
	return true, nil
}
