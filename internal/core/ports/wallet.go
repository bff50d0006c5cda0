package ports

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

// Transaction is a serialized bitcoin transaction together with its id.
type Transaction struct {
	TxID string
	Raw  []byte
}

// DepositTxParams collects everything needed to build the unsigned 2-of-2
// deposit transaction. Maker inputs and outputs always come first so both
// parties build byte-identical transactions.
type DepositTxParams struct {
	MakerInputs []domain.RawInput
	TakerInputs []domain.RawInput

	MakerMultiSigPubKey []byte
	TakerMultiSigPubKey []byte

	DepositValue btcutil.Amount

	MakerChangeValue   int64
	MakerChangeAddress string
	TakerChangeValue   int64
	TakerChangeAddress string

	MinerFee btcutil.Amount
}

// EscrowTxParams identifies a transaction spending the multisig escrow
// output: the warning tx spends the deposit, the redirect tx spends a
// warning output.
type EscrowTxParams struct {
	// InputTx is the raw transaction holding the escrow output to spend.
	InputTx          []byte
	InputOutputIndex uint32
	InputValue       btcutil.Amount

	MakerMultiSigPubKey []byte
	TakerMultiSigPubKey []byte

	MinerFee btcutil.Amount
}

// WarningTxParams builds the pre-signed warning transaction. Its single
// output is again a 2-of-2 escrow, but spendable unilaterally by the
// publishing party after the CSV delay expires.
type WarningTxParams struct {
	EscrowTxParams

	// ClaimPubKey may claim the output alone once LockTime blocks have
	// passed since the warning tx confirmed.
	ClaimPubKey []byte
	LockTime    uint32
}

// RedirectTxParams builds the pre-signed redirect transaction paying the
// warning escrow to the donation address.
type RedirectTxParams struct {
	EscrowTxParams

	DonationAddress string
}

// PayoutTxParams builds the cooperative payout spending the deposit
// escrow to both parties.
type PayoutTxParams struct {
	EscrowTxParams

	BuyerPayoutValue    btcutil.Amount
	SellerPayoutValue   btcutil.Amount
	BuyerPayoutAddress  string
	SellerPayoutAddress string
}

// SwapTxParams builds the single atomic swap transaction. BTC and BSQ
// legs are paid out of the respective parties' inputs; the trade fee is
// burned as BSQ by leaving it out of the BSQ outputs.
type SwapTxParams struct {
	BtcSellerInputs []domain.RawInput
	BsqSellerInputs []domain.RawInput

	BtcAmount btcutil.Amount
	BsqAmount btcutil.Amount
	BsqBurn   btcutil.Amount

	BtcBuyerAddress  string
	BsqBuyerAddress  string
	BtcChangeValue   int64
	BtcChangeAddress string
	BsqChangeValue   int64
	BsqChangeAddress string

	MinerFee btcutil.Amount
}

// EscrowSpendInfo names one multisig input of a built escrow-spending
// transaction for signing and verification. The spent output is the plain
// 2-of-2 deposit escrow unless WarningClaimPubKey is set, in which case it
// is a warning output and signatures must commit to the warning witness
// script instead.
type EscrowSpendInfo struct {
	Tx                  []byte
	InputIndex          uint32
	InputValue          btcutil.Amount
	MakerMultiSigPubKey []byte
	TakerMultiSigPubKey []byte

	// WarningClaimPubKey and WarningLockTime reconstruct the warning
	// witness script when the spent output belongs to a warning tx.
	WarningClaimPubKey []byte
	WarningLockTime    uint32
}

// SpendsWarningOutput reports whether the input being spent is a warning
// output rather than the deposit escrow.
func (s EscrowSpendInfo) SpendsWarningOutput() bool {
	return len(s.WarningClaimPubKey) > 0
}

// WalletService is the trading wallet. Implementations own the keys and
// UTXOs of the local node; nothing in the protocol layer ever sees a
// private key.
type WalletService interface {
	// NewMultiSigPubKey derives a fresh escrow key for the given trade and
	// returns its compressed public key.
	NewMultiSigPubKey(ctx context.Context, tradeID string) ([]byte, error)
	// NewAddress returns a fresh receive address for payouts or change.
	NewAddress(ctx context.Context) (string, error)
	// SelectInputs reserves UTXOs covering the given amount plus fees and
	// returns them with the resulting change output.
	SelectInputs(ctx context.Context, tradeID string, amount btcutil.Amount) (
		inputs []domain.RawInput, changeValue int64, changeAddress string, err error,
	)

	// CreateFeeTx builds and signs the trading fee transaction. A BTC fee
	// pays the receiver address; a BSQ fee is burned and the receiver is
	// ignored.
	CreateFeeTx(
		ctx context.Context, tradeID string, fee btcutil.Amount, receiver string, burnBsq bool,
	) (*Transaction, error)

	CreateUnsignedDepositTx(ctx context.Context, params DepositTxParams) (*Transaction, error)
	CreateWarningTx(ctx context.Context, params WarningTxParams) (*Transaction, error)
	CreateRedirectTx(ctx context.Context, params RedirectTxParams) (*Transaction, error)
	CreatePayoutTx(ctx context.Context, params PayoutTxParams) (*Transaction, error)
	CreateSwapTx(ctx context.Context, params SwapTxParams) (*Transaction, error)

	// SignEscrowSpend produces the local signature for one multisig input
	// using the trade's escrow key.
	SignEscrowSpend(ctx context.Context, tradeID string, spend EscrowSpendInfo) ([]byte, error)
	// VerifyEscrowSignature checks a counterparty signature for the given
	// multisig input against the claimed public key.
	VerifyEscrowSignature(ctx context.Context, spend EscrowSpendInfo, sig, pubKey []byte) error
	// FinalizeEscrowSpend assembles the witness from both signatures and
	// returns the fully signed transaction.
	FinalizeEscrowSpend(
		ctx context.Context, spend EscrowSpendInfo, makerSig, takerSig []byte,
	) (*Transaction, error)

	// SignDepositInputs signs the local node's own funding inputs of the
	// deposit transaction.
	SignDepositInputs(
		ctx context.Context, tradeID string, rawTx []byte, myInputs []domain.RawInput,
	) ([]byte, error)

	PublishTransaction(ctx context.Context, rawTx []byte) (string, error)
}
