package domain

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bisq-network/trade-engine/pkg/crypto"
)

// RawInput is a transaction input contributed to the deposit tx by one of
// the parties, referenced by outpoint.
type RawInput struct {
	ParentTxID string `json:"parentTxId"`
	Index      uint32 `json:"index"`
	Value      int64  `json:"value"`
}

// TradePeer is the local view of the counterparty. It is mutated only by
// tasks that process an incoming message from that peer.
type TradePeer struct {
	PubKeyRing  crypto.PubKeyRing `json:"pubKeyRing"`
	NodeAddress string            `json:"nodeAddress"`

	AccountID             string `json:"accountId,omitempty"`
	PaymentAccountPayload []byte `json:"paymentAccountPayload,omitempty"`

	RawInputs           []RawInput `json:"rawInputs,omitempty"`
	ChangeOutputValue   int64      `json:"changeOutputValue,omitempty"`
	ChangeOutputAddress string     `json:"changeOutputAddress,omitempty"`

	MultiSigPubKey []byte `json:"multiSigPubKey,omitempty"`
	PayoutAddress  string `json:"payoutAddress,omitempty"`

	ContractSignature []byte `json:"contractSignature,omitempty"`

	// WarningTx and RedirectTx are the peer's own txs of the
	// punishment-avoidance pair; the peer holds the signatures for them.
	WarningTx         []byte `json:"warningTx,omitempty"`
	RedirectTx        []byte `json:"redirectTx,omitempty"`
	PayoutTxSignature []byte `json:"payoutTxSignature,omitempty"`
}

// ProtocolModel is the per-trade session data shared by the protocol
// tasks: everything negotiated during the message exchange that is not yet
// part of the Trade aggregate itself. It is created together with its
// Trade and never shared across trades.
type ProtocolModel struct {
	OfferID    string            `json:"offerId"`
	PubKeyRing crypto.PubKeyRing `json:"pubKeyRing"`

	MyNodeAddress string `json:"myNodeAddress"`
	// TempPeerNodeAddress holds the sender address of the very first
	// message, before the peer is pinned on the trade itself.
	TempPeerNodeAddress string `json:"tempPeerNodeAddress,omitempty"`

	Peer *TradePeer `json:"peer"`

	TakerFeeTxID string `json:"takerFeeTxId,omitempty"`

	MyAccountID             string `json:"myAccountId,omitempty"`
	MyPaymentAccountPayload []byte `json:"myPaymentAccountPayload,omitempty"`

	MyMultiSigPubKey []byte     `json:"myMultiSigPubKey,omitempty"`
	MyPayoutAddress  string     `json:"myPayoutAddress,omitempty"`
	MyRawInputs      []RawInput `json:"myRawInputs,omitempty"`

	ChangeOutputValue   int64  `json:"changeOutputValue,omitempty"`
	ChangeOutputAddress string `json:"changeOutputAddress,omitempty"`

	FundsNeeded btcutil.Amount `json:"fundsNeeded,omitempty"`

	PreparedDepositTx []byte `json:"preparedDepositTx,omitempty"`

	// Each warning/redirect tx needs signatures from both parties. The
	// local node keeps its own pair complete and only ever sends the
	// single signature it contributes to the peer's pair.
	MyWarningTx         []byte `json:"myWarningTx,omitempty"`
	MyWarningTxMySig    []byte `json:"myWarningTxMySig,omitempty"`
	MyWarningTxPeerSig  []byte `json:"myWarningTxPeerSig,omitempty"`
	MyRedirectTx        []byte `json:"myRedirectTx,omitempty"`
	MyRedirectTxMySig   []byte `json:"myRedirectTxMySig,omitempty"`
	MyRedirectTxPeerSig []byte `json:"myRedirectTxPeerSig,omitempty"`
	SigOnPeerWarningTx  []byte `json:"sigOnPeerWarningTx,omitempty"`
	SigOnPeerRedirectTx []byte `json:"sigOnPeerRedirectTx,omitempty"`

	PayoutTx      []byte `json:"payoutTx,omitempty"`
	PayoutTxMySig []byte `json:"payoutTxMySig,omitempty"`

	// CounterCurrencyTxID is the fiat-side payment reference entered by
	// the buyer, CounterCurrencyExtra any free-form note attached to it.
	CounterCurrencyTxID  string `json:"counterCurrencyTxId,omitempty"`
	CounterCurrencyExtra string `json:"counterCurrencyExtra,omitempty"`

	CancelReason string `json:"cancelReason,omitempty"`
}

// NewProtocolModel returns a fresh session model for one trade.
func NewProtocolModel(offerID, myNodeAddress string, pubKeyRing crypto.PubKeyRing) *ProtocolModel {
	return &ProtocolModel{
		OfferID:       offerID,
		PubKeyRing:    pubKeyRing,
		MyNodeAddress: myNodeAddress,
		Peer:          &TradePeer{},
	}
}

// PeerPubKeyRingKnown reports whether the counterparty identity has been
// pinned. It must hold before the first message-processing task list runs.
func (m *ProtocolModel) PeerPubKeyRingKnown() bool {
	return m.Peer != nil && !m.Peer.PubKeyRing.IsEmpty()
}

// Serialize encodes the model for persistence alongside its trade.
func (m *ProtocolModel) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeProtocolModel is the inverse of Serialize.
func DeserializeProtocolModel(raw []byte) (*ProtocolModel, error) {
	model := &ProtocolModel{}
	if err := json.Unmarshal(raw, model); err != nil {
		return nil, fmt.Errorf("deserialize protocol model: %w", err)
	}
	if model.Peer == nil {
		model.Peer = &TradePeer{}
	}
	return model, nil
}
