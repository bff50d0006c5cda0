package protocol

import (
	"context"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/pkg/mempool"
)

const (
	// escrowMinerFee is the flat miner fee budgeted into each protocol
	// transaction.
	escrowMinerFee = btcutil.Amount(2_000)

	// lockTimeBlocks is the CSV delay before a published warning tx
	// output can be claimed unilaterally, roughly ten days.
	lockTimeBlocks = uint32(1_440)

	minSecurityDeposit = btcutil.Amount(100_000)
)

var errDaoNotSynced = errors.New("dao state is not synced with the chain tip")

// securityDeposit is what each party locks on top of the trade amount.
func securityDeposit(amount btcutil.Amount) btcutil.Amount {
	dep := amount * 15 / 100
	if dep < minSecurityDeposit {
		dep = minSecurityDeposit
	}
	return dep
}

// depositValue is the escrow output of the deposit tx.
func depositValue(t *domain.Trade) btcutil.Amount {
	return t.Amount + 2*securityDeposit(t.Amount)
}

// myDepositContribution is the amount the local node must fund: the BTC
// seller brings the trade amount on top of its security deposit. Both
// sides carry half the deposit tx miner fee.
func myDepositContribution(t *domain.Trade) btcutil.Amount {
	contribution := securityDeposit(t.Amount) + escrowMinerFee/2
	if !t.Role.IsBuyer() {
		contribution += t.Amount
	}
	return contribution
}

// escrowKeys orders the two multisig pubkeys as (maker, taker) from the
// local role's perspective.
func escrowKeys(e *Env) (makerKey, takerKey []byte) {
	if e.Trade.Role.IsMaker() {
		return e.Model.MyMultiSigPubKey, e.Model.Peer.MultiSigPubKey
	}
	return e.Model.Peer.MultiSigPubKey, e.Model.MyMultiSigPubKey
}

// orderSigs maps (mine, peer) signatures to (maker, taker) order.
func orderSigs(e *Env, mySig, peerSig []byte) (makerSig, takerSig []byte) {
	if e.Trade.Role.IsMaker() {
		return mySig, peerSig
	}
	return peerSig, mySig
}

// feeReceivers lists every address a BTC trading fee may legitimately
// pay: the filter override list first, then the DAO donation addresses.
func feeReceivers(e *Env) []string {
	receivers := []string{}
	if f := e.Services.Filter.Get(); f != nil {
		receivers = append(receivers, f.BtcFeeReceiverAddresses...)
	}
	return append(receivers, e.Services.Dao.DonationAddresses()...)
}

// tradeFeeFor computes the expected trading fee for one side at the given
// height: rate times trade amount, floored by the minimum fee parameter.
func tradeFeeFor(
	dao mempool.DaoStateProvider, amount btcutil.Amount,
	isMaker, isBtc bool, height int64,
) btcutil.Amount {
	var defaultParam, minParam mempool.Param
	switch {
	case isMaker && isBtc:
		defaultParam, minParam = mempool.ParamDefaultMakerFeeBtc, mempool.ParamMinMakerFeeBtc
	case isMaker && !isBtc:
		defaultParam, minParam = mempool.ParamDefaultMakerFeeBsq, mempool.ParamMinMakerFeeBsq
	case !isMaker && isBtc:
		defaultParam, minParam = mempool.ParamDefaultTakerFeeBtc, mempool.ParamMinTakerFeeBtc
	default:
		defaultParam, minParam = mempool.ParamDefaultTakerFeeBsq, mempool.ParamMinTakerFeeBsq
	}
	rate := dao.ParamValue(defaultParam, height)
	fee := btcutil.Amount(int64(rate) * int64(amount) / 1e8)
	if min := dao.ParamValue(minParam, height); fee < min {
		fee = min
	}
	return fee
}

// bsqTradeAmount converts the BTC trade amount to its BSQ counter value
// at the agreed price (BSQ sats per whole BTC).
func bsqTradeAmount(t *domain.Trade) btcutil.Amount {
	bsq := t.Price.
		Mul(decimal.NewFromInt(int64(t.Amount))).
		Div(decimal.NewFromInt(1e8)).
		Round(0)
	return btcutil.Amount(bsq.IntPart())
}

// takerNonce recovers the taker-chosen trade ID suffix.
func takerNonce(t *domain.Trade) string {
	return strings.TrimPrefix(t.ID, t.OfferID+"-")
}

func checkDaoSync(_ context.Context, e *Env) error {
	if !e.Services.Dao.IsSynced() {
		return errDaoNotSynced
	}
	return nil
}
