package wallet_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/internal/infrastructure/wallet"
)

var testnet = &chaincfg.RegressionNetParams

type fakeFunding struct {
	addr string
}

func newFakeFunding(t *testing.T) *fakeFunding {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), testnet,
	)
	require.NoError(t, err)
	return &fakeFunding{addr: addr.EncodeAddress()}
}

func (f *fakeFunding) NewAddress(context.Context) (string, error) {
	return f.addr, nil
}

func (f *fakeFunding) SelectInputs(
	_ context.Context, amount btcutil.Amount,
) ([]domain.RawInput, int64, string, error) {
	in := domain.RawInput{
		ParentTxID: "23af47eee1e746fa20340d6dff2a2e28459aee2dda2bf78388e5c2dc2f2ee57f",
		Index:      0,
		Value:      int64(amount) + 10_000,
	}
	return []domain.RawInput{in}, 10_000, f.addr, nil
}

func (f *fakeFunding) SignInputs(
	_ context.Context, tx *wire.MsgTx, inputs []domain.RawInput,
) error {
	for _, in := range inputs {
		for i, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint.Hash.String() == in.ParentTxID &&
				txIn.PreviousOutPoint.Index == in.Index {
				tx.TxIn[i].Witness = wire.TxWitness{[]byte("witness")}
			}
		}
	}
	return nil
}

type fakeBroadcaster struct {
	published [][]byte
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	b.published = append(b.published, rawTx)
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func newTestService(t *testing.T) (ports.WalletService, *fakeBroadcaster) {
	t.Helper()
	broadcaster := &fakeBroadcaster{}
	return wallet.NewService(testnet, newFakeFunding(t), broadcaster), broadcaster
}

func makeDepositParams(t *testing.T, makerPub, takerPub []byte) ports.DepositTxParams {
	t.Helper()
	return ports.DepositTxParams{
		MakerInputs: []domain.RawInput{{
			ParentTxID: "23af47eee1e746fa20340d6dff2a2e28459aee2dda2bf78388e5c2dc2f2ee57f",
			Index:      1, Value: 800_000,
		}},
		TakerInputs: []domain.RawInput{{
			ParentTxID: "51bdc2044ad65261a17f4d3f54f350a41e1620e0c1ffcfbb926a330e1a1996aa",
			Index:      0, Value: 500_000,
		}},
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
		DepositValue:        1_200_000,
		MakerChangeValue:    90_000,
		MakerChangeAddress:  newFakeFunding(t).addr,
		TakerChangeValue:    8_000,
		TakerChangeAddress:  newFakeFunding(t).addr,
		MinerFee:            2_000,
	}
}

func TestDepositTxDeterministic(t *testing.T) {
	ctx := context.Background()
	makerSvc, _ := newTestService(t)
	takerSvc, _ := newTestService(t)

	makerPub, err := makerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := takerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	params := makeDepositParams(t, makerPub, takerPub)
	byMaker, err := makerSvc.CreateUnsignedDepositTx(ctx, params)
	require.NoError(t, err)
	byTaker, err := takerSvc.CreateUnsignedDepositTx(ctx, params)
	require.NoError(t, err)

	require.Equal(t, byMaker.TxID, byTaker.TxID)
	require.Equal(t, byMaker.Raw, byTaker.Raw)
}

func TestDepositTxIDStableAcrossWitnessSigning(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	makerPub, err := svc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := svc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	params := makeDepositParams(t, makerPub, takerPub)
	unsigned, err := svc.CreateUnsignedDepositTx(ctx, params)
	require.NoError(t, err)

	signed, err := svc.SignDepositInputs(ctx, "trade-1", unsigned.Raw, params.MakerInputs)
	require.NoError(t, err)
	require.NotEqual(t, unsigned.Raw, signed)

	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(signed)))
	require.Equal(t, unsigned.TxID, tx.TxHash().String())
}

func TestPayoutSignVerifyFinalize(t *testing.T) {
	ctx := context.Background()
	makerSvc, _ := newTestService(t)
	takerSvc, _ := newTestService(t)

	makerPub, err := makerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := takerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	deposit, err := makerSvc.CreateUnsignedDepositTx(
		ctx, makeDepositParams(t, makerPub, takerPub),
	)
	require.NoError(t, err)

	escrow := ports.EscrowTxParams{
		InputTx:             deposit.Raw,
		InputOutputIndex:    0,
		InputValue:          1_200_000,
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
		MinerFee:            2_000,
	}
	payout, err := makerSvc.CreatePayoutTx(ctx, ports.PayoutTxParams{
		EscrowTxParams:      escrow,
		BuyerPayoutValue:    700_000,
		SellerPayoutValue:   498_000,
		BuyerPayoutAddress:  newFakeFunding(t).addr,
		SellerPayoutAddress: newFakeFunding(t).addr,
	})
	require.NoError(t, err)

	spend := ports.EscrowSpendInfo{
		Tx:                  payout.Raw,
		InputIndex:          0,
		InputValue:          1_200_000,
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
	}

	makerSig, err := makerSvc.SignEscrowSpend(ctx, "trade-1", spend)
	require.NoError(t, err)
	takerSig, err := takerSvc.SignEscrowSpend(ctx, "trade-1", spend)
	require.NoError(t, err)

	// each side can check the other's signature before finalizing
	require.NoError(t, takerSvc.VerifyEscrowSignature(ctx, spend, makerSig, makerPub))
	require.NoError(t, makerSvc.VerifyEscrowSignature(ctx, spend, takerSig, takerPub))
	require.Error(t, takerSvc.VerifyEscrowSignature(ctx, spend, makerSig, takerPub))
	require.Error(t, takerSvc.VerifyEscrowSignature(ctx, spend, []byte{0x30}, makerPub))

	final, err := makerSvc.FinalizeEscrowSpend(ctx, spend, makerSig, takerSig)
	require.NoError(t, err)
	require.Equal(t, payout.TxID, final.TxID)

	// the finalized witness must satisfy the escrow script
	requireValidEscrowSpend(t, final.Raw, makerPub, takerPub, 1_200_000)

	_, err = makerSvc.FinalizeEscrowSpend(ctx, spend, nil, takerSig)
	require.ErrorIs(t, err, wallet.ErrMissingSignature)
}

func TestSignEscrowSpendRequiresTradeKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	other, _ := newTestService(t)

	makerPub, err := svc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := other.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	deposit, err := svc.CreateUnsignedDepositTx(
		ctx, makeDepositParams(t, makerPub, takerPub),
	)
	require.NoError(t, err)
	payout, err := svc.CreatePayoutTx(ctx, ports.PayoutTxParams{
		EscrowTxParams: ports.EscrowTxParams{
			InputTx:             deposit.Raw,
			InputValue:          1_200_000,
			MakerMultiSigPubKey: makerPub,
			TakerMultiSigPubKey: takerPub,
		},
		BuyerPayoutValue:    600_000,
		SellerPayoutValue:   598_000,
		BuyerPayoutAddress:  newFakeFunding(t).addr,
		SellerPayoutAddress: newFakeFunding(t).addr,
	})
	require.NoError(t, err)

	spend := ports.EscrowSpendInfo{
		Tx:                  payout.Raw,
		InputValue:          1_200_000,
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
	}
	// a service holding no key of this multisig cannot sign
	_, err = other.SignEscrowSpend(ctx, "unrelated-trade", spend)
	require.ErrorIs(t, err, wallet.ErrNoEscrowKey)
}

func TestWarningAndRedirectTxValues(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	makerPub, err := svc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := svc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	deposit, err := svc.CreateUnsignedDepositTx(
		ctx, makeDepositParams(t, makerPub, takerPub),
	)
	require.NoError(t, err)
	escrow := ports.EscrowTxParams{
		InputTx:             deposit.Raw,
		InputValue:          1_200_000,
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
		MinerFee:            2_000,
	}

	warning, err := svc.CreateWarningTx(ctx, ports.WarningTxParams{
		EscrowTxParams: escrow,
		ClaimPubKey:    makerPub,
		LockTime:       1_440,
	})
	require.NoError(t, err)
	warningTx := decodeRaw(t, warning.Raw)
	require.Len(t, warningTx.TxOut, 1)
	require.Equal(t, int64(1_198_000), warningTx.TxOut[0].Value)
	require.Equal(t, deposit.TxID, warningTx.TxIn[0].PreviousOutPoint.Hash.String())

	redirect, err := svc.CreateRedirectTx(ctx, ports.RedirectTxParams{
		EscrowTxParams: ports.EscrowTxParams{
			InputTx:             warning.Raw,
			InputValue:          1_198_000,
			MakerMultiSigPubKey: makerPub,
			TakerMultiSigPubKey: takerPub,
			MinerFee:            2_000,
		},
		DonationAddress: newFakeFunding(t).addr,
	})
	require.NoError(t, err)
	redirectTx := decodeRaw(t, redirect.Raw)
	require.Len(t, redirectTx.TxOut, 1)
	require.Equal(t, int64(1_196_000), redirectTx.TxOut[0].Value)
	require.Equal(t, warning.TxID, redirectTx.TxIn[0].PreviousOutPoint.Hash.String())
}

func TestRedirectSignatureCommitsToWarningScript(t *testing.T) {
	ctx := context.Background()
	makerSvc, _ := newTestService(t)
	takerSvc, _ := newTestService(t)

	makerPub, err := makerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)
	takerPub, err := takerSvc.NewMultiSigPubKey(ctx, "trade-1")
	require.NoError(t, err)

	deposit, err := makerSvc.CreateUnsignedDepositTx(
		ctx, makeDepositParams(t, makerPub, takerPub),
	)
	require.NoError(t, err)
	warning, err := makerSvc.CreateWarningTx(ctx, ports.WarningTxParams{
		EscrowTxParams: ports.EscrowTxParams{
			InputTx:             deposit.Raw,
			InputValue:          1_200_000,
			MakerMultiSigPubKey: makerPub,
			TakerMultiSigPubKey: takerPub,
			MinerFee:            2_000,
		},
		ClaimPubKey: makerPub,
		LockTime:    1_440,
	})
	require.NoError(t, err)
	redirect, err := makerSvc.CreateRedirectTx(ctx, ports.RedirectTxParams{
		EscrowTxParams: ports.EscrowTxParams{
			InputTx:             warning.Raw,
			InputValue:          1_198_000,
			MakerMultiSigPubKey: makerPub,
			TakerMultiSigPubKey: takerPub,
			MinerFee:            2_000,
		},
		DonationAddress: newFakeFunding(t).addr,
	})
	require.NoError(t, err)

	spend := ports.EscrowSpendInfo{
		Tx:                  redirect.Raw,
		InputIndex:          0,
		InputValue:          1_198_000,
		MakerMultiSigPubKey: makerPub,
		TakerMultiSigPubKey: takerPub,
		WarningClaimPubKey:  makerPub,
		WarningLockTime:     1_440,
	}

	makerSig, err := makerSvc.SignEscrowSpend(ctx, "trade-1", spend)
	require.NoError(t, err)
	takerSig, err := takerSvc.SignEscrowSpend(ctx, "trade-1", spend)
	require.NoError(t, err)

	require.NoError(t, takerSvc.VerifyEscrowSignature(ctx, spend, makerSig, makerPub))
	require.NoError(t, makerSvc.VerifyEscrowSignature(ctx, spend, takerSig, takerPub))

	// the signature commits to the warning script, not the plain escrow
	plain := spend
	plain.WarningClaimPubKey = nil
	require.Error(t, takerSvc.VerifyEscrowSignature(ctx, plain, makerSig, makerPub))

	// check against the sighash of the warning output actually on chain
	warningTx := decodeRaw(t, warning.Raw)
	redirectTx := decodeRaw(t, redirect.Raw)
	warningScript, err := wallet.WarningScript(makerPub, takerPub, makerPub, 1_440)
	require.NoError(t, err)
	fetcher := txscript.NewCannedPrevOutputFetcher(
		warningTx.TxOut[0].PkScript, 1_198_000,
	)
	sigHashes := txscript.NewTxSigHashes(redirectTx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(
		warningScript, sigHashes, txscript.SigHashAll, redirectTx, 0, 1_198_000,
	)
	require.NoError(t, err)
	parsedSig, err := ecdsa.ParseDERSignature(makerSig[:len(makerSig)-1])
	require.NoError(t, err)
	parsedKey, err := btcec.ParsePubKey(makerPub)
	require.NoError(t, err)
	require.True(t, parsedSig.Verify(hash, parsedKey))

	// the finalized witness must satisfy the warning output's script
	final, err := makerSvc.FinalizeEscrowSpend(ctx, spend, makerSig, takerSig)
	require.NoError(t, err)
	finalTx := decodeRaw(t, final.Raw)
	engine, err := txscript.NewEngine(
		warningTx.TxOut[0].PkScript, finalTx, 0, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(finalTx, fetcher), 1_198_000, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, engine.Execute())
}

func TestCreateFeeTx(t *testing.T) {
	ctx := context.Background()
	svc, broadcaster := newTestService(t)

	feeTx, err := svc.CreateFeeTx(ctx, "trade-1", 150_000, newFakeFunding(t).addr, false)
	require.NoError(t, err)
	tx := decodeRaw(t, feeTx.Raw)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, int64(150_000), tx.TxOut[0].Value)
	require.NotEmpty(t, tx.TxIn[0].Witness)

	// burned fee has no receiver output
	burnTx, err := svc.CreateFeeTx(ctx, "trade-1", 150_000, "", true)
	require.NoError(t, err)
	require.Len(t, decodeRaw(t, burnTx.Raw).TxOut, 1)

	txid, err := svc.PublishTransaction(ctx, feeTx.Raw)
	require.NoError(t, err)
	require.Equal(t, feeTx.TxID, txid)
	require.Len(t, broadcaster.published, 1)
}

func decodeRaw(t *testing.T, raw []byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	return tx
}

// requireValidEscrowSpend runs the script engine over the spending input
// against the deposit escrow output.
func requireValidEscrowSpend(
	t *testing.T, rawTx []byte, makerPub, takerPub []byte, value int64,
) {
	t.Helper()
	tx := decodeRaw(t, rawTx)

	witnessScript, err := wallet.EscrowScript(makerPub, takerPub)
	require.NoError(t, err)
	scriptHash := chainhash.HashB(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash, testnet)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	engine, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(), "escrow witness did not verify: %s",
		hex.EncodeToString(rawTx))
}
