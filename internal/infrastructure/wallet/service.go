package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
)

// miner fee for the standalone trading fee tx, separate from the escrow
// fee carried by the deposit outputs
const feeTxMinerFee = 1_000

var (
	ErrNoEscrowKey      = errors.New("wallet: no escrow key for trade")
	ErrMalformedSig     = errors.New("wallet: malformed signature")
	ErrSigVerifyFailed  = errors.New("wallet: signature verification failed")
	ErrMissingSignature = errors.New("wallet: missing signature")
)

// FundingWallet owns the node's spendable coins and their keys. The trade
// wallet layers escrow key management and transaction assembly on top of
// it.
type FundingWallet interface {
	NewAddress(ctx context.Context) (string, error)
	SelectInputs(ctx context.Context, amount btcutil.Amount) (
		inputs []domain.RawInput, changeValue int64, changeAddress string, err error,
	)
	// SignInputs adds witnesses for the funding wallet's own inputs of tx.
	SignInputs(ctx context.Context, tx *wire.MsgTx, inputs []domain.RawInput) error
}

// Broadcaster submits raw transactions to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

type service struct {
	net         *chaincfg.Params
	funding     FundingWallet
	broadcaster Broadcaster

	mtx        sync.Mutex
	escrowKeys map[string][]*btcec.PrivateKey
}

// NewService returns the trading wallet built on the given funding wallet
// and broadcaster.
func NewService(
	net *chaincfg.Params, funding FundingWallet, broadcaster Broadcaster,
) ports.WalletService {
	return &service{
		net:         net,
		funding:     funding,
		broadcaster: broadcaster,
		escrowKeys:  make(map[string][]*btcec.PrivateKey),
	}
}

func (s *service) NewMultiSigPubKey(_ context.Context, tradeID string) ([]byte, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("derive escrow key: %w", err)
	}
	s.mtx.Lock()
	s.escrowKeys[tradeID] = append(s.escrowKeys[tradeID], key)
	s.mtx.Unlock()
	return key.PubKey().SerializeCompressed(), nil
}

func (s *service) NewAddress(ctx context.Context) (string, error) {
	return s.funding.NewAddress(ctx)
}

func (s *service) SelectInputs(
	ctx context.Context, _ string, amount btcutil.Amount,
) ([]domain.RawInput, int64, string, error) {
	return s.funding.SelectInputs(ctx, amount)
}

func (s *service) CreateFeeTx(
	ctx context.Context, _ string, fee btcutil.Amount, receiver string, burnBsq bool,
) (*ports.Transaction, error) {
	inputs, changeValue, changeAddress, err := s.funding.SelectInputs(ctx, fee+feeTxMinerFee)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	if err := addInputs(tx, inputs); err != nil {
		return nil, err
	}
	// a burned BSQ fee leaves the tx entirely, only change comes back
	if !burnBsq {
		script, err := payToAddress(receiver, s.net)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(fee), script))
	}
	if err := s.addChange(tx, changeValue, changeAddress); err != nil {
		return nil, err
	}

	if err := s.funding.SignInputs(ctx, tx, inputs); err != nil {
		return nil, fmt.Errorf("sign fee tx: %w", err)
	}
	return toTransaction(tx)
}

func (s *service) CreateUnsignedDepositTx(
	_ context.Context, params ports.DepositTxParams,
) (*ports.Transaction, error) {
	escrowScript, err := EscrowScript(params.MakerMultiSigPubKey, params.TakerMultiSigPubKey)
	if err != nil {
		return nil, err
	}
	pkScript, err := payToWitnessScript(escrowScript, s.net)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	if err := addInputs(tx, params.MakerInputs); err != nil {
		return nil, err
	}
	if err := addInputs(tx, params.TakerInputs); err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.DepositValue), pkScript))
	if err := s.addChange(tx, params.MakerChangeValue, params.MakerChangeAddress); err != nil {
		return nil, err
	}
	if err := s.addChange(tx, params.TakerChangeValue, params.TakerChangeAddress); err != nil {
		return nil, err
	}
	return toTransaction(tx)
}

func (s *service) CreateWarningTx(
	_ context.Context, params ports.WarningTxParams,
) (*ports.Transaction, error) {
	warningScript, err := WarningScript(
		params.MakerMultiSigPubKey, params.TakerMultiSigPubKey,
		params.ClaimPubKey, params.LockTime,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := payToWitnessScript(warningScript, s.net)
	if err != nil {
		return nil, err
	}
	return s.escrowSpendTx(params.EscrowTxParams, []*wire.TxOut{
		wire.NewTxOut(int64(params.InputValue-params.MinerFee), pkScript),
	})
}

func (s *service) CreateRedirectTx(
	_ context.Context, params ports.RedirectTxParams,
) (*ports.Transaction, error) {
	script, err := payToAddress(params.DonationAddress, s.net)
	if err != nil {
		return nil, err
	}
	return s.escrowSpendTx(params.EscrowTxParams, []*wire.TxOut{
		wire.NewTxOut(int64(params.InputValue-params.MinerFee), script),
	})
}

func (s *service) CreatePayoutTx(
	_ context.Context, params ports.PayoutTxParams,
) (*ports.Transaction, error) {
	buyerScript, err := payToAddress(params.BuyerPayoutAddress, s.net)
	if err != nil {
		return nil, err
	}
	sellerScript, err := payToAddress(params.SellerPayoutAddress, s.net)
	if err != nil {
		return nil, err
	}
	return s.escrowSpendTx(params.EscrowTxParams, []*wire.TxOut{
		wire.NewTxOut(int64(params.BuyerPayoutValue), buyerScript),
		wire.NewTxOut(int64(params.SellerPayoutValue), sellerScript),
	})
}

// CreateSwapTx lays out the atomic swap deterministically: BSQ legs come
// first, mirroring the colored-coin convention that BSQ value rides on
// the leading inputs and outputs. The BSQ burn is implicit in the value
// difference of the BSQ legs.
func (s *service) CreateSwapTx(
	_ context.Context, params ports.SwapTxParams,
) (*ports.Transaction, error) {
	tx := wire.NewMsgTx(2)
	if err := addInputs(tx, params.BsqSellerInputs); err != nil {
		return nil, err
	}
	if err := addInputs(tx, params.BtcSellerInputs); err != nil {
		return nil, err
	}

	bsqScript, err := payToAddress(params.BsqBuyerAddress, s.net)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.BsqAmount-params.BsqBurn), bsqScript))
	if err := s.addChange(tx, params.BsqChangeValue, params.BsqChangeAddress); err != nil {
		return nil, err
	}

	btcScript, err := payToAddress(params.BtcBuyerAddress, s.net)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.BtcAmount), btcScript))
	if err := s.addChange(tx, params.BtcChangeValue, params.BtcChangeAddress); err != nil {
		return nil, err
	}
	return toTransaction(tx)
}

func (s *service) SignEscrowSpend(
	_ context.Context, tradeID string, spend ports.EscrowSpendInfo,
) ([]byte, error) {
	tx, err := decodeTx(spend.Tx)
	if err != nil {
		return nil, err
	}
	key, err := s.escrowKeyFor(tradeID, spend)
	if err != nil {
		return nil, err
	}
	witnessScript, sigHashes, err := escrowSighashes(tx, spend, s.net)
	if err != nil {
		return nil, err
	}
	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, int(spend.InputIndex), int64(spend.InputValue),
		witnessScript, txscript.SigHashAll, key,
	)
}

func (s *service) VerifyEscrowSignature(
	_ context.Context, spend ports.EscrowSpendInfo, sig, pubKey []byte,
) error {
	if len(sig) < 2 {
		return ErrMissingSignature
	}
	tx, err := decodeTx(spend.Tx)
	if err != nil {
		return err
	}
	witnessScript, sigHashes, err := escrowSighashes(tx, spend, s.net)
	if err != nil {
		return err
	}
	hash, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll,
		tx, int(spend.InputIndex), int64(spend.InputValue),
	)
	if err != nil {
		return err
	}

	// signatures carry the sighash type as a trailing byte
	parsedSig, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	parsedKey, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	if !parsedSig.Verify(hash, parsedKey) {
		return ErrSigVerifyFailed
	}
	return nil
}

func (s *service) FinalizeEscrowSpend(
	_ context.Context, spend ports.EscrowSpendInfo, makerSig, takerSig []byte,
) (*ports.Transaction, error) {
	if len(makerSig) == 0 || len(takerSig) == 0 {
		return nil, ErrMissingSignature
	}
	tx, err := decodeTx(spend.Tx)
	if err != nil {
		return nil, err
	}
	witnessScript, err := escrowWitnessScript(spend)
	if err != nil {
		return nil, err
	}
	// leading empty element for the CHECKMULTISIG off-by-one; a warning
	// spend additionally selects the cooperative IF branch
	if spend.SpendsWarningOutput() {
		tx.TxIn[spend.InputIndex].Witness = wire.TxWitness{
			nil, makerSig, takerSig, {0x01}, witnessScript,
		}
	} else {
		tx.TxIn[spend.InputIndex].Witness = wire.TxWitness{
			nil, makerSig, takerSig, witnessScript,
		}
	}
	return toTransaction(tx)
}

func (s *service) SignDepositInputs(
	ctx context.Context, _ string, rawTx []byte, myInputs []domain.RawInput,
) ([]byte, error) {
	tx, err := decodeTx(rawTx)
	if err != nil {
		return nil, err
	}
	if err := s.funding.SignInputs(ctx, tx, myInputs); err != nil {
		return nil, fmt.Errorf("sign deposit inputs: %w", err)
	}
	return encodeTx(tx)
}

func (s *service) PublishTransaction(ctx context.Context, rawTx []byte) (string, error) {
	txid, err := s.broadcaster.Broadcast(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	log.WithField("txid", txid).Debug("transaction broadcast")
	return txid, nil
}

// escrowKeyFor finds the trade key whose public key participates in the
// spend's multisig.
func (s *service) escrowKeyFor(
	tradeID string, spend ports.EscrowSpendInfo,
) (*btcec.PrivateKey, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, key := range s.escrowKeys[tradeID] {
		pub := key.PubKey().SerializeCompressed()
		if bytes.Equal(pub, spend.MakerMultiSigPubKey) ||
			bytes.Equal(pub, spend.TakerMultiSigPubKey) {
			return key, nil
		}
	}
	return nil, ErrNoEscrowKey
}

func (s *service) escrowSpendTx(
	params ports.EscrowTxParams, outputs []*wire.TxOut,
) (*ports.Transaction, error) {
	inputTx, err := decodeTx(params.InputTx)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	hash := inputTx.TxHash()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, params.InputOutputIndex), nil, nil))
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return toTransaction(tx)
}

func (s *service) addChange(tx *wire.MsgTx, value int64, address string) error {
	if value <= 0 {
		return nil
	}
	script, err := payToAddress(address, s.net)
	if err != nil {
		return err
	}
	tx.AddTxOut(wire.NewTxOut(value, script))
	return nil
}

// escrowWitnessScript reconstructs the script the spent output commits
// to: the warning script when the input is a warning output, the plain
// 2-of-2 escrow otherwise.
func escrowWitnessScript(spend ports.EscrowSpendInfo) ([]byte, error) {
	if spend.SpendsWarningOutput() {
		return WarningScript(
			spend.MakerMultiSigPubKey, spend.TakerMultiSigPubKey,
			spend.WarningClaimPubKey, spend.WarningLockTime,
		)
	}
	return EscrowScript(spend.MakerMultiSigPubKey, spend.TakerMultiSigPubKey)
}

// escrowSighashes prepares the witness script and sighash cache for one
// multisig escrow input.
func escrowSighashes(
	tx *wire.MsgTx, spend ports.EscrowSpendInfo, net *chaincfg.Params,
) ([]byte, *txscript.TxSigHashes, error) {
	witnessScript, err := escrowWitnessScript(spend)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := payToWitnessScript(witnessScript, net)
	if err != nil {
		return nil, nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(spend.InputValue))
	return witnessScript, txscript.NewTxSigHashes(tx, fetcher), nil
}

func addInputs(tx *wire.MsgTx, inputs []domain.RawInput) error {
	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.ParentTxID)
		if err != nil {
			return fmt.Errorf("parse input txid %s: %w", in.ParentTxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Index), nil, nil))
	}
	return nil
}

func decodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toTransaction(tx *wire.MsgTx) (*ports.Transaction, error) {
	raw, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &ports.Transaction{TxID: tx.TxHash().String(), Raw: raw}, nil
}
