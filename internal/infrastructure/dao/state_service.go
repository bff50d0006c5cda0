package dao

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/mempool"
)

// ParamChange is one governance vote result: the value activates at the
// given height and stays until the next change.
type ParamChange struct {
	ActivationHeight int64
	Value            btcutil.Amount
}

// StateService is a snapshot-backed view of the governance state: the
// fee-param voting history, the donation addresses and the local sync
// marker. The protocol refuses to negotiate deposits until a block has
// been applied.
type StateService struct {
	mtx               sync.RWMutex
	chainHeight       int64
	synced            bool
	schedule          map[mempool.Param][]ParamChange
	donationAddresses []string
}

func NewStateService(
	donationAddresses []string, schedule map[mempool.Param][]ParamChange,
) *StateService {
	for _, changes := range schedule {
		sort.Slice(changes, func(i, j int) bool {
			return changes[i].ActivationHeight < changes[j].ActivationHeight
		})
	}
	return &StateService{
		schedule:          schedule,
		donationAddresses: donationAddresses,
	}
}

// ApplyBlock records a new chain tip and marks the state as synced.
func (s *StateService) ApplyBlock(height int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if height < s.chainHeight {
		log.Warnf("ignoring stale block height %d, tip is %d", height, s.chainHeight)
		return
	}
	s.chainHeight = height
	s.synced = true
}

func (s *StateService) ChainHeight() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.chainHeight
}

func (s *StateService) IsSynced() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.synced
}

// ParamValue returns the param value active at the given height. Heights
// before the first vote, and params never voted on, yield the genesis
// default.
func (s *StateService) ParamValue(param mempool.Param, height int64) btcutil.Amount {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	value := param.GenesisDefault()
	for _, change := range s.schedule[param] {
		if change.ActivationHeight > height {
			break
		}
		value = change.Value
	}
	return value
}

// ParamChangeList returns every value the param has held through voting,
// in activation order, excluding the genesis default.
func (s *StateService) ParamChangeList(param mempool.Param) []btcutil.Amount {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	changes := s.schedule[param]
	values := make([]btcutil.Amount, 0, len(changes))
	for _, change := range changes {
		values = append(values, change.Value)
	}
	return values
}

func (s *StateService) DonationAddresses() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]string, len(s.donationAddresses))
	copy(out, s.donationAddresses)
	return out
}

var _ ports.DaoStateService = (*StateService)(nil)
