package wallet_test

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/infrastructure/wallet"
)

type staticUtxoSource struct {
	utxos []wallet.Utxo
}

func (s *staticUtxoSource) ListUtxos(_ context.Context, _ string) ([]wallet.Utxo, error) {
	return s.utxos, nil
}

const (
	utxoTxA = "1111111111111111111111111111111111111111111111111111111111111111"
	utxoTxB = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newFundingWallet(t *testing.T) (wallet.FundingWallet, *btcec.PrivateKey) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	source := &staticUtxoSource{utxos: []wallet.Utxo{
		{TxID: utxoTxA, Vout: 0, Value: 30_000},
		{TxID: utxoTxB, Vout: 1, Value: 100_000},
	}}
	w, err := wallet.NewSingleKeyWallet(testnet, key, source)
	require.NoError(t, err)
	return w, key
}

func TestSelectInputsLargestFirst(t *testing.T) {
	w, _ := newFundingWallet(t)

	inputs, change, addr, err := w.SelectInputs(context.Background(), 60_000)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Equal(t, utxoTxB, inputs[0].ParentTxID)
	require.Equal(t, int64(40_000), change)
	require.NotEmpty(t, addr)
}

func TestSelectInputsReservesAcrossCalls(t *testing.T) {
	w, _ := newFundingWallet(t)

	_, _, _, err := w.SelectInputs(context.Background(), 90_000)
	require.NoError(t, err)

	// only the 30k coin is left
	_, _, _, err = w.SelectInputs(context.Background(), 50_000)
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	inputs, change, _, err := w.SelectInputs(context.Background(), 25_000)
	require.NoError(t, err)
	require.Equal(t, utxoTxA, inputs[0].ParentTxID)
	require.Equal(t, int64(5_000), change)
}

func TestSelectInputsInsufficient(t *testing.T) {
	w, _ := newFundingWallet(t)
	_, _, _, err := w.SelectInputs(context.Background(), 200_000)
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
}

func TestReleaseInputs(t *testing.T) {
	type releaser interface {
		ReleaseInputs(inputs []domain.RawInput)
	}

	w, _ := newFundingWallet(t)
	inputs, _, _, err := w.SelectInputs(context.Background(), 100_000)
	require.NoError(t, err)

	w.(releaser).ReleaseInputs(inputs)
	again, _, _, err := w.SelectInputs(context.Background(), 100_000)
	require.NoError(t, err)
	require.Equal(t, inputs, again)
}

func TestSignInputsProducesValidWitness(t *testing.T) {
	w, _ := newFundingWallet(t)

	inputs, change, addr, err := w.SelectInputs(context.Background(), 90_000)
	require.NoError(t, err)
	require.Equal(t, utxoTxB, inputs[0].ParentTxID)

	tx := wire.NewMsgTx(2)
	hash, err := chainhash.NewHashFromStr(inputs[0].ParentTxID)
	require.NoError(t, err)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, inputs[0].Index), nil, nil))

	decoded, err := btcutil.DecodeAddress(addr, testnet)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(90_000+change-1_000, pkScript))

	require.NoError(t, w.SignInputs(context.Background(), tx, inputs))
	require.Len(t, tx.TxIn[0].Witness, 2)

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, inputs[0].Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	engine, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, inputs[0].Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, engine.Execute())
}

func TestSignInputsUnknownOutpoint(t *testing.T) {
	w, _ := newFundingWallet(t)

	tx := wire.NewMsgTx(2)
	err := w.SignInputs(context.Background(), tx, []domain.RawInput{
		{ParentTxID: utxoTxA, Index: 9, Value: 1},
	})
	require.Error(t, err)
}
