package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
)

// taskVerifyDepositConfirmed blocks until the deposit tx has a
// confirmation. The buyer must not send fiat against an unconfirmed
// escrow.
var taskVerifyDepositConfirmed = task("VerifyDepositConfirmed", func(ctx context.Context, e *Env) error {
	conf, err := e.Services.Chain.WaitForConfirmation(ctx, e.Trade.DepositTxID)
	if err != nil {
		return fmt.Errorf("deposit tx not confirmed: %w", err)
	}
	e.Log.WithField("height", conf.BlockHeight).Debug("deposit tx confirmed")
	return nil
})

// payoutSpend names the deposit escrow input of the payout tx.
func payoutSpend(e *Env, payoutTx []byte) ports.EscrowSpendInfo {
	return warningSpend(e, payoutTx)
}

func payoutParams(e *Env, buyerValue, sellerValue btcutil.Amount) ports.PayoutTxParams {
	makerKey, takerKey := escrowKeys(e)
	params := ports.PayoutTxParams{
		EscrowTxParams: ports.EscrowTxParams{
			InputTx:             e.Model.PreparedDepositTx,
			InputOutputIndex:    0,
			InputValue:          depositValue(e.Trade),
			MakerMultiSigPubKey: makerKey,
			TakerMultiSigPubKey: takerKey,
			MinerFee:            escrowMinerFee,
		},
		BuyerPayoutValue:  buyerValue,
		SellerPayoutValue: sellerValue,
	}
	if e.Trade.Role.IsBuyer() {
		params.BuyerPayoutAddress = e.Model.MyPayoutAddress
		params.SellerPayoutAddress = e.Model.Peer.PayoutAddress
	} else {
		params.BuyerPayoutAddress = e.Model.Peer.PayoutAddress
		params.SellerPayoutAddress = e.Model.MyPayoutAddress
	}
	return params
}

// taskCreateAndSignPayoutTx builds the cooperative payout and contributes
// the local signature. Both sides derive the identical transaction, so
// signatures can travel ahead of publication.
var taskCreateAndSignPayoutTx = task("CreateAndSignPayoutTx", func(ctx context.Context, e *Env) error {
	deposit := securityDeposit(e.Trade.Amount)
	buyerValue := e.Trade.Amount + deposit - escrowMinerFee/2
	sellerValue := deposit - escrowMinerFee/2

	tx, err := e.Services.Wallet.CreatePayoutTx(ctx, payoutParams(e, buyerValue, sellerValue))
	if err != nil {
		return fmt.Errorf("create payout tx: %w", err)
	}
	sig, err := e.Services.Wallet.SignEscrowSpend(ctx, e.Trade.ID, payoutSpend(e, tx.Raw))
	if err != nil {
		return fmt.Errorf("sign payout tx: %w", err)
	}

	e.Model.PayoutTx = tx.Raw
	e.Model.PayoutTxMySig = sig
	e.Trade.PayoutTxID = tx.TxID
	return nil
})

var taskSendPaymentStartedMessage = task("SendPaymentStartedMessage", func(ctx context.Context, e *Env) error {
	msg := &PaymentStartedMessage{
		baseMessage:            newBase(e.Trade.ID),
		BuyerPayoutTxSignature: e.Model.PayoutTxMySig,
		CounterCurrencyTxID:    e.Model.CounterCurrencyTxID,
		CounterCurrencyExtra:   e.Model.CounterCurrencyExtra,
	}
	if err := e.sendMailbox(ctx, msg); err != nil {
		return fmt.Errorf("send payment started: %w", err)
	}
	return e.Trade.ToState(domain.StateBuyerSentPaymentStarted)
})

var taskProcessPaymentStarted = task("ProcessPaymentStarted", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*PaymentStartedMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if len(m.BuyerPayoutTxSignature) == 0 {
		return errors.New("missing buyer payout signature")
	}
	e.Model.Peer.PayoutTxSignature = m.BuyerPayoutTxSignature
	e.Model.CounterCurrencyTxID = m.CounterCurrencyTxID
	e.Model.CounterCurrencyExtra = m.CounterCurrencyExtra
	return e.Trade.ToState(domain.StateSellerReceivedPaymentStarted)
})

var taskApplyPaymentReceipt = task("ApplyPaymentReceipt", func(_ context.Context, e *Env) error {
	return e.Trade.ToState(domain.StatePaymentReceiptConfirmed)
})

var taskSendPaymentReceivedMessage = task("SendPaymentReceivedMessage", func(ctx context.Context, e *Env) error {
	return e.sendMailbox(ctx, &PaymentReceivedMessage{baseMessage: newBase(e.Trade.ID)})
})

// taskFinalizeAndPublishPayoutTx verifies the buyer's half, assembles the
// full witness and broadcasts the payout.
var taskFinalizeAndPublishPayoutTx = task("FinalizeAndPublishPayoutTx", func(ctx context.Context, e *Env) error {
	spend := payoutSpend(e, e.Model.PayoutTx)
	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, spend, e.Model.Peer.PayoutTxSignature, e.Model.Peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("buyer payout signature invalid: %w", err)
	}

	makerSig, takerSig := orderSigs(e, e.Model.PayoutTxMySig, e.Model.Peer.PayoutTxSignature)
	final, err := e.Services.Wallet.FinalizeEscrowSpend(ctx, spend, makerSig, takerSig)
	if err != nil {
		return fmt.Errorf("finalize payout tx: %w", err)
	}
	txid, err := e.Services.Wallet.PublishTransaction(ctx, final.Raw)
	if err != nil {
		return fmt.Errorf("publish payout tx: %w", err)
	}

	e.Model.PayoutTx = final.Raw
	e.Trade.PayoutTxID = txid
	e.Log.WithField("txid", txid).Info("payout tx published")
	return e.Trade.ToState(domain.StateSellerPublishedPayoutTx)
})

var taskSendPayoutTxPublishedMessage = task("SendPayoutTxPublishedMessage", func(ctx context.Context, e *Env) error {
	msg := &PayoutTxPublishedMessage{
		baseMessage: newBase(e.Trade.ID),
		PayoutTx:    e.Model.PayoutTx,
		PayoutTxID:  e.Trade.PayoutTxID,
	}
	return e.sendMailbox(ctx, msg)
})

var taskProcessPaymentReceived = task("ProcessPaymentReceived", func(_ context.Context, e *Env) error {
	if _, ok := e.Message.(*PaymentReceivedMessage); !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	return e.Trade.ToState(domain.StatePaymentReceiptConfirmed)
})

var taskProcessPayoutTxPublished = task("ProcessPayoutTxPublished", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*PayoutTxPublishedMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if m.PayoutTxID == "" {
		return errors.New("missing payout txid")
	}
	e.Model.PayoutTx = m.PayoutTx
	e.Trade.PayoutTxID = m.PayoutTxID
	return e.Trade.ToState(domain.StateBuyerReceivedPayoutTx)
})
