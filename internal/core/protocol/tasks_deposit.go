package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
)

// taskSelectDepositInputs reserves the UTXOs funding the local side of
// the escrow.
var taskSelectDepositInputs = task("SelectDepositInputs", func(ctx context.Context, e *Env) error {
	needed := myDepositContribution(e.Trade)
	inputs, changeValue, changeAddress, err := e.Services.Wallet.SelectInputs(
		ctx, e.Trade.ID, needed,
	)
	if err != nil {
		return fmt.Errorf("select deposit inputs: %w", err)
	}
	e.Model.MyRawInputs = inputs
	e.Model.ChangeOutputValue = changeValue
	e.Model.ChangeOutputAddress = changeAddress
	e.Model.FundsNeeded = needed
	return nil
})

// taskCreateMultiSigKey derives the trade's escrow key and a fresh payout
// address.
var taskCreateMultiSigKey = task("CreateMultiSigKey", func(ctx context.Context, e *Env) error {
	pubKey, err := e.Services.Wallet.NewMultiSigPubKey(ctx, e.Trade.ID)
	if err != nil {
		return fmt.Errorf("derive multisig key: %w", err)
	}
	address, err := e.Services.Wallet.NewAddress(ctx)
	if err != nil {
		return fmt.Errorf("derive payout address: %w", err)
	}
	e.Model.MyMultiSigPubKey = pubKey
	e.Model.MyPayoutAddress = address
	return nil
})

var taskSendDepositTxRequest = task("SendDepositTxRequest", func(ctx context.Context, e *Env) error {
	msg := &DepositTxRequest{
		baseMessage:         newBase(e.Trade.ID),
		TakerMultiSigPubKey: e.Model.MyMultiSigPubKey,
		TakerPayoutAddress:  e.Model.MyPayoutAddress,
		TakerInputs:         e.Model.MyRawInputs,
		TakerChangeValue:    e.Model.ChangeOutputValue,
		TakerChangeAddress:  e.Model.ChangeOutputAddress,
	}
	return e.sendDirect(ctx, msg)
})

var taskProcessDepositTxRequest = task("ProcessDepositTxRequest", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxRequest)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if len(m.TakerMultiSigPubKey) == 0 {
		return errors.New("missing taker multisig pubkey")
	}
	if m.TakerPayoutAddress == "" {
		return errors.New("missing taker payout address")
	}
	if len(m.TakerInputs) == 0 {
		return errors.New("taker provided no deposit inputs")
	}

	peer := e.Model.Peer
	peer.MultiSigPubKey = m.TakerMultiSigPubKey
	peer.PayoutAddress = m.TakerPayoutAddress
	peer.RawInputs = m.TakerInputs
	peer.ChangeOutputValue = m.TakerChangeValue
	peer.ChangeOutputAddress = m.TakerChangeAddress
	return nil
})

var taskSetLockTime = task("SetLockTime", func(_ context.Context, e *Env) error {
	e.Trade.LockTime = lockTimeBlocks
	return nil
})

// taskCreateAndSignContract builds the canonical contract from both
// parties' material and signs it as maker.
var taskCreateAndSignContract = task("CreateAndSignContract", func(_ context.Context, e *Env) error {
	contract := buildContract(e)
	raw, err := contract.Serialize()
	if err != nil {
		return err
	}
	hash, err := contract.Hash()
	if err != nil {
		return err
	}

	e.Trade.ContractAsJSON = string(raw)
	e.Trade.ContractHash = hash
	e.Trade.MakerContractSignature = e.Services.KeyRing.SignMessage(raw)
	return nil
})

func buildContract(e *Env) *domain.Contract {
	t, m := e.Trade, e.Model
	contract := &domain.Contract{
		OfferID:         t.OfferID,
		TradeAmount:     t.Amount,
		TradePrice:      t.Price,
		PaymentMethodID: t.PaymentMethodID,
		TakerFeeTxID:    t.TakerFeeTxID,
		IsBuyerMaker:    t.Role.IsBuyer() == t.Role.IsMaker(),
		LockTime:        t.LockTime,
	}

	if t.Role.IsBuyer() {
		contract.BuyerNodeAddress = m.MyNodeAddress
		contract.SellerNodeAddress = t.PeerNodeAddress
	} else {
		contract.BuyerNodeAddress = t.PeerNodeAddress
		contract.SellerNodeAddress = m.MyNodeAddress
	}
	if t.Role.IsMaker() {
		contract.MakerPubKeyRing = m.PubKeyRing
		contract.TakerPubKeyRing = m.Peer.PubKeyRing
		contract.MakerPaymentAccountPayload = m.MyPaymentAccountPayload
		contract.TakerPaymentAccountPayload = m.Peer.PaymentAccountPayload
		contract.MakerMultiSigPubKey = m.MyMultiSigPubKey
		contract.TakerMultiSigPubKey = m.Peer.MultiSigPubKey
		contract.MakerPayoutAddress = m.MyPayoutAddress
		contract.TakerPayoutAddress = m.Peer.PayoutAddress
	} else {
		contract.MakerPubKeyRing = m.Peer.PubKeyRing
		contract.TakerPubKeyRing = m.PubKeyRing
		contract.MakerPaymentAccountPayload = m.Peer.PaymentAccountPayload
		contract.TakerPaymentAccountPayload = m.MyPaymentAccountPayload
		contract.MakerMultiSigPubKey = m.Peer.MultiSigPubKey
		contract.TakerMultiSigPubKey = m.MyMultiSigPubKey
		contract.MakerPayoutAddress = m.Peer.PayoutAddress
		contract.TakerPayoutAddress = m.MyPayoutAddress
	}
	return contract
}

// taskCreateUnsignedDepositTx assembles the funding tx paying the 2-of-2
// escrow. Maker material always comes first so both sides derive the same
// transaction and txid.
var taskCreateUnsignedDepositTx = task("CreateUnsignedDepositTx", func(ctx context.Context, e *Env) error {
	makerKey, takerKey := escrowKeys(e)
	params := ports.DepositTxParams{
		MakerMultiSigPubKey: makerKey,
		TakerMultiSigPubKey: takerKey,
		DepositValue:        depositValue(e.Trade),
		MinerFee:            escrowMinerFee,
	}
	if e.Trade.Role.IsMaker() {
		params.MakerInputs = e.Model.MyRawInputs
		params.TakerInputs = e.Model.Peer.RawInputs
		params.MakerChangeValue = e.Model.ChangeOutputValue
		params.MakerChangeAddress = e.Model.ChangeOutputAddress
		params.TakerChangeValue = e.Model.Peer.ChangeOutputValue
		params.TakerChangeAddress = e.Model.Peer.ChangeOutputAddress
	} else {
		params.MakerInputs = e.Model.Peer.RawInputs
		params.TakerInputs = e.Model.MyRawInputs
		params.MakerChangeValue = e.Model.Peer.ChangeOutputValue
		params.MakerChangeAddress = e.Model.Peer.ChangeOutputAddress
		params.TakerChangeValue = e.Model.ChangeOutputValue
		params.TakerChangeAddress = e.Model.ChangeOutputAddress
	}

	tx, err := e.Services.Wallet.CreateUnsignedDepositTx(ctx, params)
	if err != nil {
		return fmt.Errorf("create deposit tx: %w", err)
	}
	e.Model.PreparedDepositTx = tx.Raw
	e.Trade.DepositTxID = tx.TxID
	return nil
})

// taskCreateWarningTxs builds one warning tx per party, each spending the
// deposit escrow and claimable by that party alone after the CSV delay.
var taskCreateWarningTxs = task("CreateWarningTxs", func(ctx context.Context, e *Env) error {
	makerKey, takerKey := escrowKeys(e)
	escrow := ports.EscrowTxParams{
		InputTx:             e.Model.PreparedDepositTx,
		InputOutputIndex:    0,
		InputValue:          depositValue(e.Trade),
		MakerMultiSigPubKey: makerKey,
		TakerMultiSigPubKey: takerKey,
		MinerFee:            escrowMinerFee,
	}

	mine, err := e.Services.Wallet.CreateWarningTx(ctx, ports.WarningTxParams{
		EscrowTxParams: escrow,
		ClaimPubKey:    e.Model.MyMultiSigPubKey,
		LockTime:       e.Trade.LockTime,
	})
	if err != nil {
		return fmt.Errorf("create own warning tx: %w", err)
	}
	peers, err := e.Services.Wallet.CreateWarningTx(ctx, ports.WarningTxParams{
		EscrowTxParams: escrow,
		ClaimPubKey:    e.Model.Peer.MultiSigPubKey,
		LockTime:       e.Trade.LockTime,
	})
	if err != nil {
		return fmt.Errorf("create peer warning tx: %w", err)
	}

	e.Model.MyWarningTx = mine.Raw
	e.Model.Peer.WarningTx = peers.Raw
	e.Trade.WarningTxID = mine.TxID
	return nil
})

// taskCreateRedirectTxs builds the redirect pair: each spends a warning
// output straight to the donation address, so publishing a warning never
// rewards the publisher.
var taskCreateRedirectTxs = task("CreateRedirectTxs", func(ctx context.Context, e *Env) error {
	donations := e.Services.Dao.DonationAddresses()
	if len(donations) == 0 {
		return errors.New("no donation address available")
	}
	makerKey, takerKey := escrowKeys(e)
	escrow := ports.EscrowTxParams{
		InputOutputIndex:    0,
		InputValue:          depositValue(e.Trade) - escrowMinerFee,
		MakerMultiSigPubKey: makerKey,
		TakerMultiSigPubKey: takerKey,
		MinerFee:            escrowMinerFee,
	}

	escrow.InputTx = e.Model.MyWarningTx
	mine, err := e.Services.Wallet.CreateRedirectTx(ctx, ports.RedirectTxParams{
		EscrowTxParams:  escrow,
		DonationAddress: donations[0],
	})
	if err != nil {
		return fmt.Errorf("create own redirect tx: %w", err)
	}
	escrow.InputTx = e.Model.Peer.WarningTx
	peers, err := e.Services.Wallet.CreateRedirectTx(ctx, ports.RedirectTxParams{
		EscrowTxParams:  escrow,
		DonationAddress: donations[0],
	})
	if err != nil {
		return fmt.Errorf("create peer redirect tx: %w", err)
	}

	e.Model.MyRedirectTx = mine.Raw
	e.Model.Peer.RedirectTx = peers.Raw
	e.Trade.RedirectTxID = mine.TxID
	return nil
})

func warningSpend(e *Env, warningTx []byte) ports.EscrowSpendInfo {
	makerKey, takerKey := escrowKeys(e)
	return ports.EscrowSpendInfo{
		Tx:                  warningTx,
		InputIndex:          0,
		InputValue:          depositValue(e.Trade),
		MakerMultiSigPubKey: makerKey,
		TakerMultiSigPubKey: takerKey,
	}
}

// redirectSpend describes a redirect tx input. The spent output is a
// warning output, so the sighash must commit to the warning script built
// with the claim key of whichever warning tx the redirect spends.
func redirectSpend(e *Env, redirectTx, warningClaimKey []byte) ports.EscrowSpendInfo {
	spend := warningSpend(e, redirectTx)
	spend.InputValue = depositValue(e.Trade) - escrowMinerFee
	spend.WarningClaimPubKey = warningClaimKey
	spend.WarningLockTime = e.Trade.LockTime
	return spend
}

var taskSignOwnWarningTx = task("SignOwnWarningTx", func(ctx context.Context, e *Env) error {
	sig, err := e.Services.Wallet.SignEscrowSpend(
		ctx, e.Trade.ID, warningSpend(e, e.Model.MyWarningTx),
	)
	if err != nil {
		return err
	}
	e.Model.MyWarningTxMySig = sig
	return nil
})

var taskSignPeerWarningTx = task("SignPeerWarningTx", func(ctx context.Context, e *Env) error {
	sig, err := e.Services.Wallet.SignEscrowSpend(
		ctx, e.Trade.ID, warningSpend(e, e.Model.Peer.WarningTx),
	)
	if err != nil {
		return err
	}
	e.Model.SigOnPeerWarningTx = sig
	return nil
})

var taskSignOwnRedirectTx = task("SignOwnRedirectTx", func(ctx context.Context, e *Env) error {
	sig, err := e.Services.Wallet.SignEscrowSpend(
		ctx, e.Trade.ID, redirectSpend(e, e.Model.MyRedirectTx, e.Model.MyMultiSigPubKey),
	)
	if err != nil {
		return err
	}
	e.Model.MyRedirectTxMySig = sig
	return nil
})

var taskSignPeerRedirectTx = task("SignPeerRedirectTx", func(ctx context.Context, e *Env) error {
	sig, err := e.Services.Wallet.SignEscrowSpend(
		ctx, e.Trade.ID, redirectSpend(e, e.Model.Peer.RedirectTx, e.Model.Peer.MultiSigPubKey),
	)
	if err != nil {
		return err
	}
	e.Model.SigOnPeerRedirectTx = sig
	return nil
})

var taskSendDepositTxResponse = task("SendDepositTxResponse", func(ctx context.Context, e *Env) error {
	msg := &DepositTxResponse{
		baseMessage:         newBase(e.Trade.ID),
		MakerMultiSigPubKey: e.Model.MyMultiSigPubKey,
		MakerPayoutAddress:  e.Model.MyPayoutAddress,
		MakerInputs:         e.Model.MyRawInputs,

		ContractAsJSON:         e.Trade.ContractAsJSON,
		MakerContractSignature: e.Trade.MakerContractSignature,
		LockTime:               e.Trade.LockTime,

		DepositTx:   e.Model.PreparedDepositTx,
		DepositTxID: e.Trade.DepositTxID,

		MakerWarningTx:  e.Model.MyWarningTx,
		TakerWarningTx:  e.Model.Peer.WarningTx,
		MakerRedirectTx: e.Model.MyRedirectTx,
		TakerRedirectTx: e.Model.Peer.RedirectTx,

		MakerSigOnMakerWarningTx:  e.Model.MyWarningTxMySig,
		MakerSigOnTakerWarningTx:  e.Model.SigOnPeerWarningTx,
		MakerSigOnMakerRedirectTx: e.Model.MyRedirectTxMySig,
		MakerSigOnTakerRedirectTx: e.Model.SigOnPeerRedirectTx,
	}
	if err := e.sendDirect(ctx, msg); err != nil {
		return fmt.Errorf("send deposit tx response: %w", err)
	}
	return e.Trade.ToState(domain.StateDepositNegotiated)
})

// taskProcessDepositTxResponse stores the maker's escrow material and
// verifies the maker signatures on the taker's warning/redirect pair
// before the taker commits anything.
var taskProcessDepositTxResponse = task("ProcessDepositTxResponse", func(ctx context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxResponse)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if len(m.MakerMultiSigPubKey) == 0 || m.MakerPayoutAddress == "" {
		return errors.New("incomplete maker escrow material")
	}
	if m.LockTime < lockTimeBlocks {
		return fmt.Errorf("lock time %d below protocol minimum %d", m.LockTime, lockTimeBlocks)
	}
	if len(m.DepositTx) == 0 || m.DepositTxID == "" {
		return errors.New("missing deposit tx")
	}

	peer := e.Model.Peer
	peer.MultiSigPubKey = m.MakerMultiSigPubKey
	peer.PayoutAddress = m.MakerPayoutAddress
	peer.RawInputs = m.MakerInputs
	peer.WarningTx = m.MakerWarningTx
	peer.RedirectTx = m.MakerRedirectTx

	e.Trade.LockTime = m.LockTime
	e.Trade.DepositTxID = m.DepositTxID
	e.Model.PreparedDepositTx = m.DepositTx
	e.Model.MyWarningTx = m.TakerWarningTx
	e.Model.MyRedirectTx = m.TakerRedirectTx

	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, warningSpend(e, e.Model.MyWarningTx),
		m.MakerSigOnTakerWarningTx, peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("maker signature on warning tx invalid: %w", err)
	}
	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, redirectSpend(e, e.Model.MyRedirectTx, e.Model.MyMultiSigPubKey),
		m.MakerSigOnTakerRedirectTx, peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("maker signature on redirect tx invalid: %w", err)
	}
	e.Model.MyWarningTxPeerSig = m.MakerSigOnTakerWarningTx
	e.Model.MyRedirectTxPeerSig = m.MakerSigOnTakerRedirectTx
	return nil
})

// taskVerifyAndSignContract is the taker's counterpart to
// CreateAndSignContract: check the maker-built contract against the
// locally known terms, verify the maker signature, counter-sign.
var taskVerifyAndSignContract = task("VerifyAndSignContract", func(_ context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxResponse)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	contract, err := domain.DeserializeContract([]byte(m.ContractAsJSON))
	if err != nil {
		return err
	}
	if contract.OfferID != e.Trade.OfferID ||
		contract.TradeAmount != e.Trade.Amount ||
		!contract.TradePrice.Equal(e.Trade.Price) {
		return errors.New("contract does not match agreed terms")
	}
	if !contract.TakerPubKeyRing.Equal(e.Model.PubKeyRing) {
		return errors.New("contract names a different taker key ring")
	}
	if contract.TakerPayoutAddress != e.Model.MyPayoutAddress ||
		!sameBytes(contract.TakerMultiSigPubKey, e.Model.MyMultiSigPubKey) {
		return errors.New("contract does not carry my escrow material")
	}
	if err := verifyPeerContractSig(e, m.ContractAsJSON, m.MakerContractSignature); err != nil {
		return fmt.Errorf("maker contract signature invalid: %w", err)
	}
	hash, err := contract.Hash()
	if err != nil {
		return err
	}

	e.Trade.ContractAsJSON = m.ContractAsJSON
	e.Trade.ContractHash = hash
	e.Trade.MakerContractSignature = m.MakerContractSignature
	e.Trade.TakerContractSignature = e.Services.KeyRing.SignMessage([]byte(m.ContractAsJSON))
	return nil
})

// taskSignDepositTx adds the taker's input witnesses to the prepared
// deposit tx.
var taskSignDepositTx = task("SignDepositTx", func(ctx context.Context, e *Env) error {
	signed, err := e.Services.Wallet.SignDepositInputs(
		ctx, e.Trade.ID, e.Model.PreparedDepositTx, e.Model.MyRawInputs,
	)
	if err != nil {
		return fmt.Errorf("sign deposit inputs: %w", err)
	}
	e.Model.PreparedDepositTx = signed
	return nil
})

var taskSendDepositTxAndSigs = task("SendDepositTxAndSigs", func(ctx context.Context, e *Env) error {
	msg := &DepositTxAndSigsMessage{
		baseMessage:            newBase(e.Trade.ID),
		TakerContractSignature: e.Trade.TakerContractSignature,
		DepositTx:              e.Model.PreparedDepositTx,
		DepositTxID:            e.Trade.DepositTxID,

		TakerSigOnMakerWarningTx:  e.Model.SigOnPeerWarningTx,
		TakerSigOnTakerWarningTx:  e.Model.MyWarningTxMySig,
		TakerSigOnMakerRedirectTx: e.Model.SigOnPeerRedirectTx,
		TakerSigOnTakerRedirectTx: e.Model.MyRedirectTxMySig,
	}
	if err := e.sendDirect(ctx, msg); err != nil {
		return fmt.Errorf("send deposit tx and sigs: %w", err)
	}
	return e.Trade.ToState(domain.StateDepositNegotiated)
})

// taskProcessDepositTxAndSigs completes the maker's signature set: taker
// contract signature plus the taker's halves of the maker warning and
// redirect txs.
var taskProcessDepositTxAndSigs = task("ProcessDepositTxAndSigs", func(ctx context.Context, e *Env) error {
	m, ok := e.Message.(*DepositTxAndSigsMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if m.DepositTxID != e.Trade.DepositTxID {
		return fmt.Errorf(
			"deposit txid changed: %s != %s", m.DepositTxID, e.Trade.DepositTxID,
		)
	}
	if err := verifyPeerContractSig(e, e.Trade.ContractAsJSON, m.TakerContractSignature); err != nil {
		return fmt.Errorf("taker contract signature invalid: %w", err)
	}
	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, warningSpend(e, e.Model.MyWarningTx),
		m.TakerSigOnMakerWarningTx, e.Model.Peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("taker signature on warning tx invalid: %w", err)
	}
	if err := e.Services.Wallet.VerifyEscrowSignature(
		ctx, redirectSpend(e, e.Model.MyRedirectTx, e.Model.MyMultiSigPubKey),
		m.TakerSigOnMakerRedirectTx, e.Model.Peer.MultiSigPubKey,
	); err != nil {
		return fmt.Errorf("taker signature on redirect tx invalid: %w", err)
	}

	e.Trade.TakerContractSignature = m.TakerContractSignature
	e.Model.MyWarningTxPeerSig = m.TakerSigOnMakerWarningTx
	e.Model.MyRedirectTxPeerSig = m.TakerSigOnMakerRedirectTx
	e.Model.PreparedDepositTx = m.DepositTx
	return nil
})

// taskPublishDepositTx adds the maker witnesses and broadcasts. From here
// funds are at stake.
var taskPublishDepositTx = task("PublishDepositTx", func(ctx context.Context, e *Env) error {
	signed, err := e.Services.Wallet.SignDepositInputs(
		ctx, e.Trade.ID, e.Model.PreparedDepositTx, e.Model.MyRawInputs,
	)
	if err != nil {
		return fmt.Errorf("sign deposit inputs: %w", err)
	}
	txid, err := e.Services.Wallet.PublishTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("publish deposit tx: %w", err)
	}
	e.Model.PreparedDepositTx = signed
	e.Trade.DepositTxID = txid
	e.Log.WithField("txid", txid).Info("deposit tx published")
	return e.Trade.ToState(domain.StateDepositTxPublished)
})

// taskApplyDepositTxSeen moves the taker forward once the maker confirmed
// the broadcast.
var taskApplyDepositTxSeen = task("ApplyDepositTxSeen", func(_ context.Context, e *Env) error {
	ack, ok := e.Message.(*Ack)
	if !ok {
		return fmt.Errorf("unexpected message %T", e.Message)
	}
	if !ack.Success {
		return fmt.Errorf("peer rejected deposit negotiation: %s", ack.ErrorMessage)
	}
	return e.Trade.ToState(domain.StateDepositTxSeen)
})
