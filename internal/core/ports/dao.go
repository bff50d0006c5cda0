package ports

import "github.com/bisq-network/trade-engine/pkg/mempool"

// DaoStateService exposes the replicated DAO parameter state. Fee
// validation reads historical parameter values from it; the protocol
// checks sync state before trusting any of them.
type DaoStateService interface {
	mempool.DaoStateProvider

	// IsSynced reports whether the local DAO state has caught up with the
	// chain tip. Fee checks against stale state are worthless.
	IsSynced() bool
	// DonationAddresses lists every donation address that was ever valid,
	// newest first. Redirect txs must pay one of these.
	DonationAddresses() []string
}
