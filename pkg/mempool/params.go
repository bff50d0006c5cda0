package mempool

import "github.com/btcsuite/btcd/btcutil"

// Param identifies a governance-voted fee parameter. Historical values of a
// param must stay retrievable: stale nodes may have computed fees against a
// rate that has since been voted out.
type Param int

const (
	ParamDefaultMakerFeeBtc Param = iota
	ParamDefaultTakerFeeBtc
	ParamMinMakerFeeBtc
	ParamMinTakerFeeBtc
	ParamDefaultMakerFeeBsq
	ParamDefaultTakerFeeBsq
	ParamMinMakerFeeBsq
	ParamMinTakerFeeBsq
)

// Genesis defaults, in satoshis (BTC params) and BSQ satoshis (BSQ params).
// Used when a param is queried at height 0 and as the last resort of the
// leniency cascade.
var paramGenesisDefaults = map[Param]btcutil.Amount{
	ParamDefaultMakerFeeBtc: 100_000, // 0.001 BTC per 1 BTC traded
	ParamDefaultTakerFeeBtc: 150_000,
	ParamMinMakerFeeBtc:     5_000,
	ParamMinTakerFeeBtc:     5_000,
	ParamDefaultMakerFeeBsq: 1_006,
	ParamDefaultTakerFeeBsq: 7_045,
	ParamMinMakerFeeBsq:     300,
	ParamMinTakerFeeBsq:     300,
}

// GenesisDefault returns the hard-coded height-0 value of a param.
func (p Param) GenesisDefault() btcutil.Amount {
	return paramGenesisDefaults[p]
}

// DaoStateProvider is the read-only view of the governance state consumed
// by fee validation. Implementations must be safe for concurrent use.
type DaoStateProvider interface {
	ChainHeight() int64
	// ParamValue returns the param value effective at the given block
	// height. Height 0 yields the genesis default.
	ParamValue(param Param, height int64) btcutil.Amount
	// ParamChangeList returns every value the param has ever held, in
	// voting order, excluding the genesis default.
	ParamChangeList(param Param) []btcutil.Amount
}
