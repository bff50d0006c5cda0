package mempool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
)

const (
	// feeTolerance accepts fees down to 95% of the expected value, which
	// absorbs rounding and minor rate drift between the two peers.
	feeTolerance = 0.95
	// filterFeeTolerance is the deviation accepted against a
	// filter-published fee override. The 0.7 threshold matches the
	// deployed fee-change cadence; do not tighten it without re-deriving
	// that bound.
	filterFeeTolerance = 0.7
	// blockTolerance lets really old offers pass the fee-receiver check:
	// transactions confirmed below this height predate the current
	// receiver tracking.
	blockTolerance = 599_999
)

// errSyntax classifies malformed explorer JSON (missing vin/vout data).
var errSyntax = errors.New("vin/vout missing data")

// TxValidator checks that a funding transaction pays the expected trading
// fee for a maker or taker, given the governance fee parameters at the
// relevant block height. It is created per request and discarded after the
// verdict; every distinct check failure appends a human-readable reason,
// so a failed validation is a data result rather than an exception.
type TxValidator struct {
	dao    DaoStateProvider
	txID   string
	amount btcutil.Amount
	// nil means unknown: a taker fee tx reveals its currency by whether
	// the first output pays a known BTC fee receiver.
	isFeeCurrencyBtc *bool
	// fee rates published through the governance filter, zero when unset
	filterMakerFee btcutil.Amount
	filterTakerFee btcutil.Amount

	chainHeight int64
	jsonTxt     string
	errorList   []string
}

// NewTxValidator returns a validator for one fee-check request.
// isFeeCurrencyBtc may be nil for taker transactions whose fee currency is
// not known upfront.
func NewTxValidator(dao DaoStateProvider, txID string, amount btcutil.Amount, isFeeCurrencyBtc *bool) *TxValidator {
	return &TxValidator{
		dao:              dao,
		txID:             txID,
		amount:           amount,
		isFeeCurrencyBtc: isFeeCurrencyBtc,
		chainHeight:      dao.ChainHeight(),
	}
}

// WithFilterFees supplies filter-published override fee rates used as an
// extra leniency branch.
func (v *TxValidator) WithFilterFees(makerFee, takerFee btcutil.Amount) *TxValidator {
	v.filterMakerFee = makerFee
	v.filterTakerFee = takerFee
	return v
}

// ValidateMakerFeeTx validates the maker's fee transaction from its
// explorer JSON snapshot.
func (v *TxValidator) ValidateMakerFeeTx(jsonTxt string, btcFeeReceivers []string) *TxValidator {
	v.jsonTxt = jsonTxt
	status := v.initialSanityChecks(jsonTxt)
	if status {
		if v.isFeeCurrencyBtc != nil && *v.isFeeCurrencyBtc {
			status = v.checkFeeAddressBTC(jsonTxt, btcFeeReceivers) &&
				v.checkFeeAmount(jsonTxt, true, true, v.blockHeightForFeeCalculation(jsonTxt))
		} else {
			status = v.checkFeeAmount(jsonTxt, false, true, v.blockHeightForFeeCalculation(jsonTxt))
		}
	}
	return v.endResult("maker tx validation", status)
}

// ValidateTakerFeeTx validates the taker's fee transaction. When the fee
// currency is unknown it is inferred from the first output's address.
func (v *TxValidator) ValidateTakerFeeTx(jsonTxt string, btcFeeReceivers []string) *TxValidator {
	v.jsonTxt = jsonTxt
	status := v.initialSanityChecks(jsonTxt)
	if status {
		if v.isFeeCurrencyBtc == nil {
			isBtc := v.checkFeeAddressBTC(jsonTxt, btcFeeReceivers)
			v.isFeeCurrencyBtc = &isBtc
			// the address probe is not a verdict; drop any reason it left
			v.errorList = nil
		}
		if *v.isFeeCurrencyBtc {
			status = v.checkFeeAddressBTC(jsonTxt, btcFeeReceivers) &&
				v.checkFeeAmount(jsonTxt, true, false, v.blockHeightForFeeCalculation(jsonTxt))
		} else {
			status = v.checkFeeAmount(jsonTxt, false, false, v.blockHeightForFeeCalculation(jsonTxt))
		}
	}
	return v.endResult("taker tx validation", status)
}

// FailWith records an externally detected failure, e.g. the transaction not
// being known to any provider.
func (v *TxValidator) FailWith(reason string) *TxValidator {
	v.errorList = append(v.errorList, reason)
	return v
}

// IsFail reports whether any check failed. The error list is append-only,
// so IsFail is equivalent to the list being non-empty.
func (v *TxValidator) IsFail() bool { return len(v.errorList) > 0 }

// Result is the positive verdict.
func (v *TxValidator) Result() bool { return len(v.errorList) == 0 }

// TxID returns the transaction this validator was created for.
func (v *TxValidator) TxID() string { return v.txID }

// Errors returns the accumulated failure reasons.
func (v *TxValidator) Errors() []string { return append([]string{}, v.errorList...) }

// ErrorSummary returns a truncated, human-readable digest of the reasons.
func (v *TxValidator) ErrorSummary() string {
	s := strings.Join(v.errorList, "; ")
	if len(s) > 85 {
		s = s[:85]
	}
	return s
}

func (v *TxValidator) String() string { return strings.Join(v.errorList, "; ") }

///////////////////////////////////////////////////////////////////////////
// explorer JSON model (esplora schema)
///////////////////////////////////////////////////////////////////////////

type txStatusJSON struct {
	Confirmed   *bool `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type prevoutJSON struct {
	Value *int64 `json:"value"`
}

type vinJSON struct {
	Prevout *prevoutJSON `json:"prevout"`
}

type voutJSON struct {
	Value               *int64 `json:"value"`
	ScriptpubkeyAddress string `json:"scriptpubkey_address"`
}

type txJSON struct {
	Txid   string        `json:"txid"`
	Status *txStatusJSON `json:"status"`
	Vin    []vinJSON     `json:"vin"`
	Vout   []voutJSON    `json:"vout"`
}

func parseTx(jsonTxt string) (*txJSON, error) {
	var tx txJSON
	if err := json.Unmarshal([]byte(jsonTxt), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// vinAndVout enforces the minimum shape: at least one input, and at least
// two outputs (the fee output plus the reserved-for-trade output).
func vinAndVout(tx *txJSON) ([]vinJSON, []voutJSON, error) {
	if tx.Vin == nil || tx.Vout == nil {
		return nil, nil, fmt.Errorf("%w: missing vin/vout", errSyntax)
	}
	if len(tx.Vin) < 1 || len(tx.Vout) < 2 {
		return nil, nil, fmt.Errorf("%w: not enough vins/vouts", errSyntax)
	}
	return tx.Vin, tx.Vout, nil
}

///////////////////////////////////////////////////////////////////////////
// checks
///////////////////////////////////////////////////////////////////////////

// initialSanityChecks accepts the JSON if it carries a status with a
// confirmed field and the txid we asked for. Confirmed or not makes no
// difference: the tx only has to be known to the explorer.
func (v *TxValidator) initialSanityChecks(jsonTxt string) bool {
	if len(jsonTxt) == 0 {
		return false
	}
	tx, err := parseTx(jsonTxt)
	if err != nil {
		return false
	}
	if tx.Status == nil || tx.Status.Confirmed == nil {
		return false
	}
	return tx.Txid == v.txID
}

func (v *TxValidator) checkFeeAddressBTC(jsonTxt string, btcFeeReceivers []string) bool {
	tx, err := parseTx(jsonTxt)
	if err != nil {
		v.errorList = append(v.errorList, err.Error())
		return false
	}
	_, vout, err := vinAndVout(tx)
	if err != nil {
		v.errorList = append(v.errorList, err.Error())
		return false
	}
	feeAddress := vout[0].ScriptpubkeyAddress
	for _, receiver := range btcFeeReceivers {
		if receiver == feeAddress {
			return true
		}
	}
	if v.blockHeightForFeeCalculation(jsonTxt) < blockTolerance {
		log.Infof("leniency rule: unrecognised fee receiver %s on a really old offer, letting it pass", feeAddress)
		return true
	}
	reason := fmt.Sprintf("fee address %s is not a known BTC fee receiver", feeAddress)
	v.errorList = append(v.errorList, reason)
	log.Info(reason)
	return false
}

// checkFeeAmount runs the match/leniency cascade for both fee currencies.
// For BTC the paid fee is the first output value; for BSQ it is the burn,
// i.e. first input minus first output, extended by a second input when the
// apparent burn exceeds the first input.
func (v *TxValidator) checkFeeAmount(jsonTxt string, isBtc, isMaker bool, blockHeight int64) bool {
	tx, err := parseTx(jsonTxt)
	if err != nil {
		v.errorList = append(v.errorList, err.Error())
		return false
	}
	vin, vout, err := vinAndVout(tx)
	if err != nil {
		v.errorList = append(v.errorList, err.Error())
		return false
	}
	if vin[0].Prevout == nil || vin[0].Prevout.Value == nil || vout[0].Value == nil {
		v.errorList = append(v.errorList, errSyntax.Error())
		return false
	}

	var feeValue int64
	var unit string
	if isBtc {
		feeValue = *vout[0].Value
		unit = "sats"
	} else {
		feeValue = *vin[0].Prevout.Value - *vout[0].Value
		if *vout[0].Value > *vin[0].Prevout.Value {
			// the burn spans more than one BSQ utxo
			if len(vin) < 2 || vin[1].Prevout == nil || vin[1].Prevout.Value == nil {
				v.errorList = append(v.errorList, errSyntax.Error())
				return false
			}
			feeValue += *vin[1].Prevout.Value
		}
		unit = "BSQ sats"
	}

	defaultParam, minParam, filterFee := v.feeParams(isBtc, isMaker)
	expectedFee := v.expectedFee(v.dao.ParamValue(defaultParam, blockHeight), minParam)
	description := fmt.Sprintf("expected fee: %d %s, actual fee paid: %d %s",
		int64(expectedFee), unit, feeValue, unit)

	switch {
	case int64(expectedFee) == feeValue:
		return true
	case int64(expectedFee) < feeValue:
		log.Infof("fee was more than expected: %s", description)
		return true
	case float64(feeValue)/float64(expectedFee) > feeTolerance:
		log.Infof("leniency rule: fee was low but above %v of expected. %s", feeTolerance, description)
		return true
	case v.feeMatchesFilter(feeValue, filterFee, minParam):
		log.Infof("leniency rule: fee matches the filter-published rate. %s", description)
		return true
	case v.feeExistsUsingDifferentDaoParam(feeValue, defaultParam, minParam):
		log.Infof("leniency rule: fee matches a different DAO parameter. %s", description)
		return true
	default:
		reason := "UNDERPAID. " + description
		v.errorList = append(v.errorList, reason)
		log.Info(reason)
		return false
	}
}

func (v *TxValidator) feeParams(isBtc, isMaker bool) (defaultParam, minParam Param, filterFee btcutil.Amount) {
	switch {
	case isBtc && isMaker:
		return ParamDefaultMakerFeeBtc, ParamMinMakerFeeBtc, v.filterMakerFee
	case isBtc:
		return ParamDefaultTakerFeeBtc, ParamMinTakerFeeBtc, v.filterTakerFee
	case isMaker:
		return ParamDefaultMakerFeeBsq, ParamMinMakerFeeBsq, v.filterMakerFee
	default:
		return ParamDefaultTakerFeeBsq, ParamMinTakerFeeBsq, v.filterTakerFee
	}
}

// expectedFee scales the per-BTC rate by the trade amount and applies the
// minimum fee floor.
func (v *TxValidator) expectedFee(feeRatePerBtc btcutil.Amount, minParam Param) btcutil.Amount {
	fact := float64(v.amount) / float64(btcutil.SatoshiPerBitcoin)
	fee := btcutil.Amount(math.Round(float64(feeRatePerBtc) * fact))
	minFee := v.dao.ParamValue(minParam, v.chainHeight)
	if fee < minFee {
		return minFee
	}
	return fee
}

func (v *TxValidator) feeMatchesFilter(feeValue int64, filterFee btcutil.Amount, minParam Param) bool {
	if filterFee <= 0 {
		return false
	}
	expected := v.expectedFee(filterFee, minParam)
	return float64(feeValue)/float64(expected) >= filterFeeTolerance
}

// feeExistsUsingDifferentDaoParam scans every historical value the fee
// param has ever held, plus the genesis default, and passes on any exact
// match. This covers peers whose view of the governance parameters lags.
func (v *TxValidator) feeExistsUsingDifferentDaoParam(feeValue int64, defaultParam, minParam Param) bool {
	for _, rate := range v.dao.ParamChangeList(defaultParam) {
		if int64(v.expectedFee(rate, minParam)) == feeValue {
			return true
		}
	}
	genesisRate := v.dao.ParamValue(defaultParam, 0)
	return int64(v.expectedFee(genesisRate, minParam)) == feeValue
}

// blockHeightForFeeCalculation picks the height whose fee params apply: the
// confirmation height when confirmed, otherwise the current chain tip.
func (v *TxValidator) blockHeightForFeeCalculation(jsonTxt string) int64 {
	if h := txBlockHeight(jsonTxt); h > 0 {
		return h
	}
	return v.dao.ChainHeight()
}

// txBlockHeight returns the confirmation height, 0 while the tx sits
// unconfirmed in the mempool, -1 on malformed input.
func txBlockHeight(jsonTxt string) int64 {
	tx, err := parseTx(jsonTxt)
	if err != nil || tx.Status == nil || tx.Status.Confirmed == nil {
		return -1
	}
	if !*tx.Status.Confirmed {
		return 0
	}
	return tx.Status.BlockHeight
}

// SetJSON stores an explorer snapshot for confirmation counting without
// running a fee validation.
func (v *TxValidator) SetJSON(jsonTxt string) *TxValidator {
	v.jsonTxt = jsonTxt
	return v
}

// Confirms returns the number of confirmations implied by the snapshot, 0
// if unconfirmed, -1 if the snapshot fails the sanity checks.
func (v *TxValidator) Confirms() int64 {
	if !v.initialSanityChecks(v.jsonTxt) {
		return -1
	}
	h := txBlockHeight(v.jsonTxt)
	if h > 0 {
		return v.chainHeight - h + 1
	}
	return 0
}

func (v *TxValidator) endResult(title string, status bool) *TxValidator {
	if status {
		log.Infof("%s: SUCCESS", title)
	} else {
		log.Infof("%s: FAIL", title)
		v.errorList = append(v.errorList, title)
	}
	return v
}
