package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/crypto"
	"github.com/bisq-network/trade-engine/pkg/mempool"
)

var taskCheckDaoSync = task("CheckDaoSync", checkDaoSync)

// taskApplyFilter enforces the operator filter: a trade whose fee
// undercuts the published floor is refused before any chain interaction.
var taskApplyFilter = task("ApplyFilter", func(_ context.Context, e *Env) error {
	f := e.Services.Filter.Get()
	if f == nil {
		return nil
	}
	if e.Trade.TakerFee == 0 {
		return nil
	}
	floor := f.TakerFeeBsq
	if e.Trade.IsFeeCurrencyBtc {
		floor = f.TakerFeeBtc
	}
	if floor > 0 && e.Trade.TakerFee < floor {
		return fmt.Errorf(
			"taker fee %s below filter floor %s", e.Trade.TakerFee, floor,
		)
	}
	return nil
})

// taskCreateTakerFeeTx builds, signs and broadcasts the taker trading fee
// tx before anything else is committed.
var taskCreateTakerFeeTx = task("CreateTakerFeeTx", func(ctx context.Context, e *Env) error {
	height := e.Services.Dao.ChainHeight()
	fee := tradeFeeFor(
		e.Services.Dao, e.Trade.Amount, false, e.Trade.IsFeeCurrencyBtc, height,
	)

	receiver := ""
	if e.Trade.IsFeeCurrencyBtc {
		receivers := feeReceivers(e)
		if len(receivers) == 0 {
			return errors.New("no btc fee receiver address available")
		}
		receiver = receivers[0]
	}

	tx, err := e.Services.Wallet.CreateFeeTx(
		ctx, e.Trade.ID, fee, receiver, !e.Trade.IsFeeCurrencyBtc,
	)
	if err != nil {
		return fmt.Errorf("create taker fee tx: %w", err)
	}
	txid, err := e.Services.Wallet.PublishTransaction(ctx, tx.Raw)
	if err != nil {
		return fmt.Errorf("publish taker fee tx: %w", err)
	}

	e.Trade.TakerFee = fee
	e.Trade.TakerFeeTxID = txid
	e.Model.TakerFeeTxID = txid
	e.Log.WithField("txid", txid).Info("taker fee tx published")
	return nil
})

// taskSendTakeOfferRequest announces the take to the maker. For swaps the
// request additionally carries the taker's funding inputs; for escrow
// trades it marks the fee-published milestone.
var taskSendTakeOfferRequest = task("SendTakeOfferRequest", func(ctx context.Context, e *Env) error {
	msg := &TakeOfferRequest{
		baseMessage:      newBase(e.Trade.ID),
		OfferID:          e.Trade.OfferID,
		TakerNonce:       takerNonce(e.Trade),
		Amount:           e.Trade.Amount,
		Price:            e.Trade.Price,
		PaymentMethodID:  e.Trade.PaymentMethodID,
		IsFeeCurrencyBtc: e.Trade.IsFeeCurrencyBtc,
		TakerFee:         e.Trade.TakerFee,
		TakerFeeTxID:     e.Trade.TakerFeeTxID,

		TakerNodeAddress:           e.Model.MyNodeAddress,
		TakerPubKeyRing:            e.Model.PubKeyRing,
		TakerAccountID:             e.Model.MyAccountID,
		TakerPaymentAccountPayload: e.Model.MyPaymentAccountPayload,

		IsBsqSwap: e.Trade.IsBsqSwap,
	}
	if e.Trade.IsBsqSwap {
		msg.TakerInputs = e.Model.MyRawInputs
		msg.TakerChangeValue = e.Model.ChangeOutputValue
		msg.TakerChangeAddress = e.Model.ChangeOutputAddress
		msg.TakerReceiveAddress = e.Model.MyPayoutAddress
	}
	if err := e.sendDirect(ctx, msg); err != nil {
		return fmt.Errorf("send take offer request: %w", err)
	}
	if e.Trade.IsBsqSwap {
		return nil
	}
	return e.Trade.ToState(domain.StateTakerPublishedFeeTx)
})

// taskProcessTakeOfferRequest pins the counterparty on first contact and
// records the taker's side of the trade.
var taskProcessTakeOfferRequest = task("ProcessTakeOfferRequest", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*TakeOfferRequest)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if m.OfferID != e.Trade.OfferID {
		return fmt.Errorf("offer id mismatch: %s != %s", m.OfferID, e.Trade.OfferID)
	}
	if m.Amount != e.Trade.Amount || !m.Price.Equal(e.Trade.Price) {
		return errors.New("trade terms do not match the offer")
	}
	if m.IsBsqSwap != e.Trade.IsBsqSwap {
		return errors.New("protocol variant mismatch")
	}
	if m.TakerNodeAddress != e.Sender {
		return fmt.Errorf(
			"claimed node address %s does not match sender %s",
			m.TakerNodeAddress, e.Sender,
		)
	}
	if m.TakerPubKeyRing.IsEmpty() {
		return domain.ErrPeerPubKeyRingNotSet
	}
	if e.SenderSigKey != nil && !sameBytes(e.SenderSigKey, m.TakerPubKeyRing.SignaturePubKey) {
		return errors.New("envelope signature key does not match claimed key ring")
	}
	if !e.Trade.IsBsqSwap && m.TakerFeeTxID == "" {
		return errors.New("missing taker fee tx id")
	}

	e.Trade.PeerNodeAddress = e.Sender
	e.Trade.IsFeeCurrencyBtc = m.IsFeeCurrencyBtc
	e.Trade.TakerFee = m.TakerFee
	e.Trade.TakerFeeTxID = m.TakerFeeTxID
	e.Trade.PaymentMethodID = m.PaymentMethodID

	peer := e.Model.Peer
	peer.PubKeyRing = m.TakerPubKeyRing
	peer.NodeAddress = m.TakerNodeAddress
	peer.AccountID = m.TakerAccountID
	peer.PaymentAccountPayload = m.TakerPaymentAccountPayload
	if e.Trade.IsBsqSwap {
		peer.RawInputs = m.TakerInputs
		peer.ChangeOutputValue = m.TakerChangeValue
		peer.ChangeOutputAddress = m.TakerChangeAddress
		peer.PayoutAddress = m.TakerReceiveAddress
		return nil
	}
	return e.Trade.ToState(domain.StateTakerPublishedFeeTx)
})

// taskVerifyMakerFeePayment is the taker-side check of the fee tx the
// offer names, run before the taker commits its own fee.
var taskVerifyMakerFeePayment = task("VerifyMakerFeePayment", func(ctx context.Context, e *Env) error {
	if e.Trade.MakerFeeTxID == "" {
		return nil
	}
	f := e.Services.Filter.Get()
	if mempoolValidationDisabled(f) {
		e.Log.Info("mempool validation disabled by filter, skipping maker fee check")
		return nil
	}
	v := e.Services.Mempool.ValidateMakerFeeTx(
		ctx, e.Trade.MakerFeeTxID, e.Trade.Amount, e.Trade.IsMakerFeeCurrencyBtc,
		feeReceivers(e), filterFeesFor(f, e.Trade.IsMakerFeeCurrencyBtc),
	)
	if v.IsFail() {
		return fmt.Errorf("maker fee tx rejected: %s", v.ErrorSummary())
	}
	return nil
})

// taskVerifyTakerFeePayment checks the taker fee tx against the expected
// fee schedule through the mempool providers.
var taskVerifyTakerFeePayment = task("VerifyTakerFeePayment", func(ctx context.Context, e *Env) error {
	f := e.Services.Filter.Get()
	if mempoolValidationDisabled(f) {
		e.Log.Info("mempool validation disabled by filter, skipping taker fee check")
		return nil
	}
	v := e.Services.Mempool.ValidateTakerFeeTx(
		ctx, e.Trade.TakerFeeTxID, e.Trade.Amount, feeReceivers(e),
		filterFeesFor(f, e.Trade.IsFeeCurrencyBtc),
	)
	if v.IsFail() {
		return fmt.Errorf("taker fee tx rejected: %s", v.ErrorSummary())
	}
	return nil
})

func mempoolValidationDisabled(f *ports.Filter) bool {
	return f != nil && f.DisableMempoolValidation
}

// filterFeesFor picks the filter-published override rates matching the
// fee currency; zero rates when no filter is in force.
func filterFeesFor(f *ports.Filter, isBtc bool) mempool.FilterFees {
	if f == nil {
		return mempool.FilterFees{}
	}
	if isBtc {
		return mempool.FilterFees{MakerFeeRate: f.MakerFeeBtc, TakerFeeRate: f.TakerFeeBtc}
	}
	return mempool.FilterFees{MakerFeeRate: f.MakerFeeBsq, TakerFeeRate: f.TakerFeeBsq}
}

// verifyPeerContractSig checks a contract signature against the pinned
// peer signing key.
func verifyPeerContractSig(e *Env, contractJSON string, sig []byte) error {
	if len(sig) == 0 {
		return errors.New("missing contract signature")
	}
	return crypto.VerifyMessage(
		[]byte(contractJSON), sig, e.Model.Peer.PubKeyRing.SignaturePubKey,
	)
}

func sameBytes(a, b []byte) bool { return bytes.Equal(a, b) }
