package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

// refundValues splits the escrow as if the trade never happened: the
// seller recovers the trade amount, both recover their deposit, and each
// side carries half the payout miner fee.
func refundValues(e *Env) (buyerValue, sellerValue btcutil.Amount) {
	deposit := securityDeposit(e.Trade.Amount)
	return deposit - escrowMinerFee/2,
		e.Trade.Amount + deposit - escrowMinerFee/2
}

// taskCreateAndSignCancelPayout pre-signs the refund payout offered to
// the peer.
var taskCreateAndSignCancelPayout = task("CreateAndSignCancelPayout", func(ctx context.Context, e *Env) error {
	buyerValue, sellerValue := refundValues(e)
	tx, err := e.Services.Wallet.CreatePayoutTx(
		ctx, payoutParams(e, buyerValue, sellerValue),
	)
	if err != nil {
		return fmt.Errorf("create refund payout: %w", err)
	}
	sig, err := e.Services.Wallet.SignEscrowSpend(ctx, e.Trade.ID, payoutSpend(e, tx.Raw))
	if err != nil {
		return fmt.Errorf("sign refund payout: %w", err)
	}
	e.Model.PayoutTx = tx.Raw
	e.Model.PayoutTxMySig = sig
	return nil
})

var taskSendCancelTradeRequest = task("SendCancelTradeRequest", func(ctx context.Context, e *Env) error {
	msg := &CancelTradeRequest{
		baseMessage:             newBase(e.Trade.ID),
		Reason:                  e.Model.CancelReason,
		SenderPayoutTxSignature: e.Model.PayoutTxMySig,
	}
	return e.sendMailbox(ctx, msg)
})

// taskProcessCancelRequest decides on a cooperative unwind. A request
// arriving before any fiat moved is honored: the refund payout is
// finalized with the requester's pre-signature and broadcast. Once the
// buyer reported the payment as sent the request is refused and the trade
// continues untouched.
var taskProcessCancelRequest = task("ProcessCancelRequest", func(ctx context.Context, e *Env) error {
	m, ok := e.Message.(*CancelTradeRequest)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}

	if e.Trade.Phase != domain.PhaseDepositPublished {
		e.Log.Infof("refusing cancel request in phase %s", e.Trade.Phase)
		resp := &CancelTradeResponse{baseMessage: newBase(e.Trade.ID), Accepted: false}
		return e.sendDirect(ctx, resp)
	}
	if len(m.SenderPayoutTxSignature) == 0 {
		return errors.New("cancel request without payout signature")
	}

	buyerValue, sellerValue := refundValues(e)
	tx, err := e.Services.Wallet.CreatePayoutTx(
		ctx, payoutParams(e, buyerValue, sellerValue),
	)
	if err != nil {
		return fmt.Errorf("create refund payout: %w", err)
	}
	spend := payoutSpend(e, tx.Raw)
	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, spend, m.SenderPayoutTxSignature, e.Model.Peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("peer refund signature invalid: %w", err)
	}
	mySig, err := e.Services.Wallet.SignEscrowSpend(ctx, e.Trade.ID, spend)
	if err != nil {
		return fmt.Errorf("sign refund payout: %w", err)
	}

	makerSig, takerSig := orderSigs(e, mySig, m.SenderPayoutTxSignature)
	final, err := e.Services.Wallet.FinalizeEscrowSpend(ctx, spend, makerSig, takerSig)
	if err != nil {
		return fmt.Errorf("finalize refund payout: %w", err)
	}
	txid, err := e.Services.Wallet.PublishTransaction(ctx, final.Raw)
	if err != nil {
		return fmt.Errorf("publish refund payout: %w", err)
	}

	resp := &CancelTradeResponse{
		baseMessage: newBase(e.Trade.ID),
		Accepted:    true,
		PayoutTxID:  txid,
	}
	if err := e.sendMailbox(ctx, resp); err != nil {
		e.Log.WithError(err).Warn("could not deliver cancel response")
	}
	e.Model.PayoutTx = final.Raw
	e.Trade.PayoutTxID = txid
	e.Log.WithField("txid", txid).Info("trade canceled, refund payout published")
	return e.Trade.Cancel()
})

var taskProcessCancelResponse = task("ProcessCancelResponse", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*CancelTradeResponse)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if !m.Accepted {
		e.Log.Info("peer refused cancel request, trade continues")
		e.Model.CancelReason = ""
		return nil
	}
	if m.PayoutTxID == "" {
		return errors.New("accepted cancel without payout txid")
	}
	e.Trade.PayoutTxID = m.PayoutTxID
	return e.Trade.Cancel()
})
