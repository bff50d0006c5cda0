package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is the aggregate root for one negotiated exchange. It is owned by
// the trade manager for its whole lifetime; the protocol role instance
// borrows it for the duration of a task-list execution and all mutations
// are serialized at that level.
type Trade struct {
	ID              string          `json:"id"`
	OfferID         string          `json:"offerId"`
	Role            Role            `json:"role"`
	Amount          btcutil.Amount  `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	PaymentMethodID string          `json:"paymentMethodId"`

	Phase        Phase        `json:"phase"`
	State        State        `json:"state"`
	DisputeState DisputeState `json:"disputeState"`

	IsFeeCurrencyBtc bool           `json:"isFeeCurrencyBtc"`
	TakerFee         btcutil.Amount `json:"takerFee"`

	// IsMakerFeeCurrencyBtc names the currency of the maker fee tx the
	// offer carries, fixed when the offer was made.
	IsMakerFeeCurrencyBtc bool `json:"isMakerFeeCurrencyBtc,omitempty"`

	// IsBsqSwap selects the single-transaction swap protocol instead of
	// the escrowed fiat settlement flow.
	IsBsqSwap bool `json:"isBsqSwap,omitempty"`

	PeerNodeAddress string `json:"peerNodeAddress"`

	MakerFeeTxID string `json:"makerFeeTxId,omitempty"`
	TakerFeeTxID string `json:"takerFeeTxId,omitempty"`
	DepositTxID  string `json:"depositTxId,omitempty"`
	WarningTxID  string `json:"warningTxId,omitempty"`
	RedirectTxID string `json:"redirectTxId,omitempty"`
	PayoutTxID   string `json:"payoutTxId,omitempty"`

	ContractAsJSON         string `json:"contractAsJson,omitempty"`
	ContractHash           []byte `json:"contractHash,omitempty"`
	MakerContractSignature []byte `json:"makerContractSignature,omitempty"`
	TakerContractSignature []byte `json:"takerContractSignature,omitempty"`

	// LockTime is the CSV delay, in blocks, after which a published
	// warning tx output can be claimed unilaterally.
	LockTime uint32 `json:"lockTime"`

	TakeOfferDate int64  `json:"takeOfferDate"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// NewTrade returns a trade in the Init phase. The trade ID is the offer ID
// plus a taker-generated suffix so that both peers derive the same ID.
func NewTrade(
	offerID string, role Role, amount btcutil.Amount, price decimal.Decimal,
	paymentMethodID string, takerNonce string,
) *Trade {
	if takerNonce == "" {
		takerNonce = uuid.New().String()[:8]
	}
	return &Trade{
		ID:              offerID + "-" + takerNonce,
		OfferID:         offerID,
		Role:            role,
		Amount:          amount,
		Price:           price,
		PaymentMethodID: paymentMethodID,
		Phase:           PhaseInit,
		State:           StatePreparation,
		DisputeState:    NoDispute,
		TakeOfferDate:   time.Now().Unix(),
	}
}

// ToState moves the trade to the given fine-grained state, advancing the
// phase with it. Regressions are rejected; only the Canceled and Failed
// terminal states may override a non-terminal phase from anywhere.
func (t *Trade) ToState(state State) error {
	newPhase := state.Phase()
	if newPhase == PhaseCanceled || newPhase == PhaseFailed {
		if t.Phase == PhaseCompleted {
			return ErrTradeTerminal
		}
		t.State = state
		t.Phase = newPhase
		return nil
	}
	if t.Phase.IsTerminal() {
		return ErrTradeTerminal
	}
	if newPhase < t.Phase {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, t.Phase, newPhase)
	}
	t.State = state
	t.Phase = newPhase
	return nil
}

// Fail records an error message and moves the trade to the Failed phase.
// Failing is idempotent and keeps the first reported message.
func (t *Trade) Fail(errorMessage string) {
	if t.ErrorMessage == "" {
		t.ErrorMessage = errorMessage
	}
	if t.Phase != PhaseCompleted {
		t.State = StateFailed
		t.Phase = PhaseFailed
	}
}

// Cancel moves the trade to the Canceled terminal phase. Cancellation in
// this protocol is a cooperative signed agreement, never a unilateral
// abort of on-chain state.
func (t *Trade) Cancel() error {
	return t.ToState(StateCanceled)
}

// SetDisputeState records the dispute lifecycle progress.
func (t *Trade) SetDisputeState(state DisputeState) {
	t.DisputeState = state
}

// IsCompleted ...
func (t *Trade) IsCompleted() bool { return t.Phase == PhaseCompleted }

// IsDepositPublished reports whether funds are at stake on chain.
func (t *Trade) IsDepositPublished() bool {
	return t.Phase >= PhaseDepositPublished && t.Phase <= PhaseCompleted
}

// HasFailed ...
func (t *Trade) HasFailed() bool { return t.Phase == PhaseFailed }

// IsDisputed ...
func (t *Trade) IsDisputed() bool { return t.DisputeState != NoDispute }

// ShortID returns the abbreviated trade ID used in logs.
func (t *Trade) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Serialize encodes the trade for persistence, allowing it to resume at
// its last recorded phase after a restart.
func (t *Trade) Serialize() ([]byte, error) {
	return json.Marshal(t)
}

// DeserializeTrade is the inverse of Serialize.
func DeserializeTrade(raw []byte) (*Trade, error) {
	trade := &Trade{}
	if err := json.Unmarshal(raw, trade); err != nil {
		return nil, fmt.Errorf("deserialize trade: %w", err)
	}
	return trade, nil
}
