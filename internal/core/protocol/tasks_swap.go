package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
)

// taskSelectSwapInputs funds the taker's leg of the atomic swap: the BSQ
// counter value when buying BTC, the BTC amount plus miner fee when
// selling it.
var taskSelectSwapInputs = task("SelectSwapInputs", func(ctx context.Context, e *Env) error {
	height := e.Services.Dao.ChainHeight()
	fee := tradeFeeFor(e.Services.Dao, e.Trade.Amount, false, false, height)

	var needed btcutil.Amount
	if e.Trade.Role.IsBuyer() {
		needed = bsqTradeAmount(e.Trade) + fee
	} else {
		needed = e.Trade.Amount + escrowMinerFee
	}
	inputs, changeValue, changeAddress, err := e.Services.Wallet.SelectInputs(
		ctx, e.Trade.ID, needed,
	)
	if err != nil {
		return fmt.Errorf("select swap inputs: %w", err)
	}
	address, err := e.Services.Wallet.NewAddress(ctx)
	if err != nil {
		return err
	}

	e.Trade.TakerFee = fee
	e.Model.MyRawInputs = inputs
	e.Model.ChangeOutputValue = changeValue
	e.Model.ChangeOutputAddress = changeAddress
	e.Model.MyPayoutAddress = address
	return nil
})

// taskCreateSwapTx assembles the single swap transaction from both
// parties' inputs. The combined maker and taker BSQ fees are burned by
// shorting the BSQ outputs.
var taskCreateSwapTx = task("CreateSwapTx", func(ctx context.Context, e *Env) error {
	address, err := e.Services.Wallet.NewAddress(ctx)
	if err != nil {
		return err
	}
	e.Model.MyPayoutAddress = address

	height := e.Services.Dao.ChainHeight()
	makerFee := tradeFeeFor(e.Services.Dao, e.Trade.Amount, true, false, height)

	var needed btcutil.Amount
	if e.Trade.Role.IsBuyer() {
		needed = bsqTradeAmount(e.Trade) + makerFee
	} else {
		needed = e.Trade.Amount + escrowMinerFee
	}
	inputs, changeValue, changeAddress, err := e.Services.Wallet.SelectInputs(
		ctx, e.Trade.ID, needed,
	)
	if err != nil {
		return fmt.Errorf("select swap inputs: %w", err)
	}
	e.Model.MyRawInputs = inputs
	e.Model.ChangeOutputValue = changeValue
	e.Model.ChangeOutputAddress = changeAddress

	burn := makerFee + tradeFeeFor(e.Services.Dao, e.Trade.Amount, false, false, height)

	params := ports.SwapTxParams{
		BtcAmount: e.Trade.Amount,
		BsqAmount: bsqTradeAmount(e.Trade),
		BsqBurn:   burn,
		MinerFee:  escrowMinerFee,
	}
	// the BTC buyer supplies the BSQ leg and receives the BTC leg
	if e.Trade.Role.IsBuyer() {
		params.BsqSellerInputs = e.Model.MyRawInputs
		params.BtcSellerInputs = e.Model.Peer.RawInputs
		params.BtcBuyerAddress = e.Model.MyPayoutAddress
		params.BsqBuyerAddress = e.Model.Peer.PayoutAddress
		params.BsqChangeValue = e.Model.ChangeOutputValue
		params.BsqChangeAddress = e.Model.ChangeOutputAddress
		params.BtcChangeValue = e.Model.Peer.ChangeOutputValue
		params.BtcChangeAddress = e.Model.Peer.ChangeOutputAddress
	} else {
		params.BsqSellerInputs = e.Model.Peer.RawInputs
		params.BtcSellerInputs = e.Model.MyRawInputs
		params.BtcBuyerAddress = e.Model.Peer.PayoutAddress
		params.BsqBuyerAddress = e.Model.MyPayoutAddress
		params.BsqChangeValue = e.Model.Peer.ChangeOutputValue
		params.BsqChangeAddress = e.Model.Peer.ChangeOutputAddress
		params.BtcChangeValue = e.Model.ChangeOutputValue
		params.BtcChangeAddress = e.Model.ChangeOutputAddress
	}

	tx, err := e.Services.Wallet.CreateSwapTx(ctx, params)
	if err != nil {
		return fmt.Errorf("create swap tx: %w", err)
	}
	e.Model.PreparedDepositTx = tx.Raw
	e.Trade.DepositTxID = tx.TxID
	return nil
})

// taskSignSwapTx adds the local input witnesses to the swap tx.
var taskSignSwapTx = task("SignSwapTx", func(ctx context.Context, e *Env) error {
	signed, err := e.Services.Wallet.SignDepositInputs(
		ctx, e.Trade.ID, e.Model.PreparedDepositTx, e.Model.MyRawInputs,
	)
	if err != nil {
		return fmt.Errorf("sign swap inputs: %w", err)
	}
	e.Model.PreparedDepositTx = signed
	return nil
})

var taskSendSwapTxResponse = task("SendSwapTxResponse", func(ctx context.Context, e *Env) error {
	msg := &DepositTxResponse{
		baseMessage:        newBase(e.Trade.ID),
		MakerPayoutAddress: e.Model.MyPayoutAddress,
		MakerInputs:        e.Model.MyRawInputs,
		DepositTx:          e.Model.PreparedDepositTx,
		DepositTxID:        e.Trade.DepositTxID,
	}
	if err := e.sendDirect(ctx, msg); err != nil {
		return fmt.Errorf("send swap tx response: %w", err)
	}
	return e.Trade.ToState(domain.StateDepositNegotiated)
})

var taskProcessSwapTxResponse = task("ProcessSwapTxResponse", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxResponse)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if len(m.DepositTx) == 0 || m.DepositTxID == "" {
		return errors.New("missing swap tx")
	}
	e.Model.Peer.RawInputs = m.MakerInputs
	e.Model.Peer.PayoutAddress = m.MakerPayoutAddress
	e.Model.PreparedDepositTx = m.DepositTx
	e.Trade.DepositTxID = m.DepositTxID
	return e.Trade.ToState(domain.StateDepositNegotiated)
})

var taskPublishSwapTx = task("PublishSwapTx", func(ctx context.Context, e *Env) error {
	txid, err := e.Services.Wallet.PublishTransaction(ctx, e.Model.PreparedDepositTx)
	if err != nil {
		return fmt.Errorf("publish swap tx: %w", err)
	}
	e.Trade.DepositTxID = txid
	e.Log.WithField("txid", txid).Info("swap tx published")
	return e.Trade.ToState(domain.StateSwapTxPublished)
})

var taskSendSwapTxPublished = task("SendSwapTxPublished", func(ctx context.Context, e *Env) error {
	msg := &DepositTxAndSigsMessage{
		baseMessage: newBase(e.Trade.ID),
		DepositTx:   e.Model.PreparedDepositTx,
		DepositTxID: e.Trade.DepositTxID,
	}
	return e.sendDirect(ctx, msg)
})

var taskProcessSwapTxPublished = task("ProcessSwapTxPublished", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxAndSigsMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if m.DepositTxID == "" {
		return errors.New("missing swap txid")
	}
	e.Trade.DepositTxID = m.DepositTxID
	return e.Trade.ToState(domain.StateSwapTxPublished)
})
