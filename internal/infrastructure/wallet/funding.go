package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

// ErrInsufficientFunds means the funding wallet cannot cover the requested
// amount with its unreserved coins.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// Utxo is a spendable output owned by the funding wallet.
type Utxo struct {
	TxID  string
	Vout  uint32
	Value int64
}

// UtxoSource lists the unspent outputs of an address, typically backed by
// an explorer.
type UtxoSource interface {
	ListUtxos(ctx context.Context, address string) ([]Utxo, error)
}

type outpoint struct {
	txID string
	vout uint32
}

// singleKeyWallet is a funding wallet over one P2WPKH key. Coins selected
// for a trade stay reserved so concurrent trades cannot double-spend each
// other's inputs.
type singleKeyWallet struct {
	net     *chaincfg.Params
	key     *btcec.PrivateKey
	address string
	source  UtxoSource

	mtx      sync.Mutex
	reserved map[outpoint]struct{}
}

// NewSingleKeyWallet returns a FundingWallet holding all coins on the
// P2WPKH address of the given key.
func NewSingleKeyWallet(
	net *chaincfg.Params, key *btcec.PrivateKey, source UtxoSource,
) (FundingWallet, error) {
	address, err := p2wpkhAddress(key.PubKey(), net)
	if err != nil {
		return nil, err
	}
	return &singleKeyWallet{
		net:      net,
		key:      key,
		address:  address,
		source:   source,
		reserved: make(map[outpoint]struct{}),
	}, nil
}

func (w *singleKeyWallet) NewAddress(ctx context.Context) (string, error) {
	return w.address, nil
}

// SelectInputs picks unreserved coins covering amount, largest first, and
// reserves them. The change value already has amount deducted; the caller
// accounts for miner fees in amount.
func (w *singleKeyWallet) SelectInputs(
	ctx context.Context, amount btcutil.Amount,
) ([]domain.RawInput, int64, string, error) {
	utxos, err := w.source.ListUtxos(ctx, w.address)
	if err != nil {
		return nil, 0, "", fmt.Errorf("list utxos: %w", err)
	}
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	w.mtx.Lock()
	defer w.mtx.Unlock()

	var inputs []domain.RawInput
	var total int64
	for _, u := range utxos {
		if _, taken := w.reserved[outpoint{u.TxID, u.Vout}]; taken {
			continue
		}
		inputs = append(inputs, domain.RawInput{
			ParentTxID: u.TxID, Index: u.Vout, Value: u.Value,
		})
		total += u.Value
		if total >= int64(amount) {
			break
		}
	}
	if total < int64(amount) {
		return nil, 0, "", ErrInsufficientFunds
	}
	for _, in := range inputs {
		w.reserved[outpoint{in.ParentTxID, in.Index}] = struct{}{}
	}
	return inputs, total - int64(amount), w.address, nil
}

// ReleaseInputs frees coins reserved for a trade that will not happen.
func (w *singleKeyWallet) ReleaseInputs(inputs []domain.RawInput) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for _, in := range inputs {
		delete(w.reserved, outpoint{in.ParentTxID, in.Index})
	}
}

func (w *singleKeyWallet) SignInputs(
	ctx context.Context, tx *wire.MsgTx, inputs []domain.RawInput,
) error {
	pkScript, err := payToAddress(w.address, w.net)
	if err != nil {
		return err
	}

	for _, in := range inputs {
		idx := inputIndex(tx, in)
		if idx < 0 {
			return fmt.Errorf("input %s:%d not present in tx", in.ParentTxID, in.Index)
		}
		fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, in.Value)
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, idx, in.Value, pkScript,
			txscript.SigHashAll, w.key, true,
		)
		if err != nil {
			return fmt.Errorf("sign input %s:%d: %w", in.ParentTxID, in.Index, err)
		}
		tx.TxIn[idx].Witness = witness
	}
	return nil
}

func inputIndex(tx *wire.MsgTx, in domain.RawInput) int {
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint.Hash.String() == in.ParentTxID &&
			txIn.PreviousOutPoint.Index == in.Index {
			return i
		}
	}
	return -1
}

func p2wpkhAddress(pubKey *btcec.PublicKey, net *chaincfg.Params) (string, error) {
	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
