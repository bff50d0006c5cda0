package ports

import "github.com/btcsuite/btcd/btcutil"

// Filter is the operator-signed runtime override distributed over the
// network. Zero values mean "no override".
type Filter struct {
	MakerFeeBtc btcutil.Amount `json:"makerFeeBtc"`
	TakerFeeBtc btcutil.Amount `json:"takerFeeBtc"`
	MakerFeeBsq btcutil.Amount `json:"makerFeeBsq"`
	TakerFeeBsq btcutil.Amount `json:"takerFeeBsq"`

	BtcFeeReceiverAddresses []string `json:"btcFeeReceiverAddresses"`

	DisableMempoolValidation bool `json:"disableMempoolValidation"`
}

// FilterService provides the currently active filter, or nil when none is
// published.
type FilterService interface {
	Get() *Filter
}
