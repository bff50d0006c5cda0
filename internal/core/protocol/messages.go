package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

// MessageKind discriminates the closed set of trade messages on the wire.
type MessageKind string

const (
	KindTakeOfferRequest  MessageKind = "TAKE_OFFER_REQUEST"
	KindDepositTxRequest  MessageKind = "DEPOSIT_TX_REQUEST"
	KindDepositTxResponse MessageKind = "DEPOSIT_TX_RESPONSE"
	KindDepositTxAndSigs  MessageKind = "DEPOSIT_TX_AND_SIGS"
	KindPaymentStarted    MessageKind = "PAYMENT_STARTED"
	KindPaymentReceived   MessageKind = "PAYMENT_RECEIVED"
	KindPayoutTxPublished MessageKind = "PAYOUT_TX_PUBLISHED"
	KindCancelRequest     MessageKind = "CANCEL_TRADE_REQUEST"
	KindCancelResponse    MessageKind = "CANCEL_TRADE_RESPONSE"
	KindAck               MessageKind = "ACK"
)

// TradeMessage is the sealed set of protocol payloads. Every concrete
// message embeds baseMessage; decoding is an exhaustive switch on Kind so
// an unhandled kind cannot slip through dispatch silently.
type TradeMessage interface {
	Kind() MessageKind
	TradeID() string
	UID() string

	sealed()
}

type baseMessage struct {
	MsgUID     string `json:"uid"`
	MsgTradeID string `json:"tradeId"`
}

func (m baseMessage) UID() string     { return m.MsgUID }
func (m baseMessage) TradeID() string { return m.MsgTradeID }
func (m baseMessage) sealed()         {}

func newBase(tradeID string) baseMessage {
	return baseMessage{MsgUID: uuid.New().String(), MsgTradeID: tradeID}
}

// TakeOfferRequest opens a trade. The taker announces the agreed terms,
// its identity and, for the escrow flow, the already published taker fee
// tx. For swaps it carries the taker's funding inputs instead.
type TakeOfferRequest struct {
	baseMessage

	OfferID         string          `json:"offerId"`
	TakerNonce      string          `json:"takerNonce"`
	Amount          btcutil.Amount  `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	PaymentMethodID string          `json:"paymentMethodId"`

	IsFeeCurrencyBtc bool           `json:"isFeeCurrencyBtc"`
	TakerFee         btcutil.Amount `json:"takerFee"`
	TakerFeeTxID     string         `json:"takerFeeTxId,omitempty"`

	TakerNodeAddress           string            `json:"takerNodeAddress"`
	TakerPubKeyRing            crypto.PubKeyRing `json:"takerPubKeyRing"`
	TakerAccountID             string            `json:"takerAccountId,omitempty"`
	TakerPaymentAccountPayload []byte            `json:"takerPaymentAccountPayload,omitempty"`

	IsBsqSwap bool `json:"isBsqSwap,omitempty"`
	// swap only
	TakerInputs         []domain.RawInput `json:"takerInputs,omitempty"`
	TakerChangeValue    int64             `json:"takerChangeValue,omitempty"`
	TakerChangeAddress  string            `json:"takerChangeAddress,omitempty"`
	TakerReceiveAddress string            `json:"takerReceiveAddress,omitempty"`
}

func (TakeOfferRequest) Kind() MessageKind { return KindTakeOfferRequest }

// DepositTxRequest carries the taker's escrow material: funding inputs,
// multisig key and payout address. The maker builds the deposit tx from
// it.
type DepositTxRequest struct {
	baseMessage

	TakerMultiSigPubKey []byte            `json:"takerMultiSigPubKey"`
	TakerPayoutAddress  string            `json:"takerPayoutAddress"`
	TakerInputs         []domain.RawInput `json:"takerInputs"`
	TakerChangeValue    int64             `json:"takerChangeValue,omitempty"`
	TakerChangeAddress  string            `json:"takerChangeAddress,omitempty"`
}

func (DepositTxRequest) Kind() MessageKind { return KindDepositTxRequest }

// DepositTxResponse is the maker's answer: the contract to counter-sign,
// the unsigned deposit tx, both parties' warning and redirect txs and the
// maker's signatures on all four. For swaps it carries the partially
// signed swap tx instead.
type DepositTxResponse struct {
	baseMessage

	MakerMultiSigPubKey []byte            `json:"makerMultiSigPubKey"`
	MakerPayoutAddress  string            `json:"makerPayoutAddress"`
	MakerInputs         []domain.RawInput `json:"makerInputs,omitempty"`

	ContractAsJSON         string `json:"contractAsJson,omitempty"`
	MakerContractSignature []byte `json:"makerContractSignature,omitempty"`
	LockTime               uint32 `json:"lockTime,omitempty"`

	DepositTx   []byte `json:"depositTx"`
	DepositTxID string `json:"depositTxId"`

	MakerWarningTx  []byte `json:"makerWarningTx,omitempty"`
	TakerWarningTx  []byte `json:"takerWarningTx,omitempty"`
	MakerRedirectTx []byte `json:"makerRedirectTx,omitempty"`
	TakerRedirectTx []byte `json:"takerRedirectTx,omitempty"`

	MakerSigOnMakerWarningTx  []byte `json:"makerSigOnMakerWarningTx,omitempty"`
	MakerSigOnTakerWarningTx  []byte `json:"makerSigOnTakerWarningTx,omitempty"`
	MakerSigOnMakerRedirectTx []byte `json:"makerSigOnMakerRedirectTx,omitempty"`
	MakerSigOnTakerRedirectTx []byte `json:"makerSigOnTakerRedirectTx,omitempty"`
}

func (DepositTxResponse) Kind() MessageKind { return KindDepositTxResponse }

// DepositTxAndSigsMessage closes the negotiation: the taker returns the
// counter-signed contract, its deposit input witnesses and its signatures
// on both warning and both redirect txs. The maker may then publish. For
// swaps the embedded tx is fully signed and already broadcast.
type DepositTxAndSigsMessage struct {
	baseMessage

	TakerContractSignature []byte `json:"takerContractSignature,omitempty"`

	DepositTx   []byte `json:"depositTx"`
	DepositTxID string `json:"depositTxId"`

	TakerSigOnMakerWarningTx  []byte `json:"takerSigOnMakerWarningTx,omitempty"`
	TakerSigOnTakerWarningTx  []byte `json:"takerSigOnTakerWarningTx,omitempty"`
	TakerSigOnMakerRedirectTx []byte `json:"takerSigOnMakerRedirectTx,omitempty"`
	TakerSigOnTakerRedirectTx []byte `json:"takerSigOnTakerRedirectTx,omitempty"`
}

func (DepositTxAndSigsMessage) Kind() MessageKind { return KindDepositTxAndSigs }

// PaymentStartedMessage tells the seller the fiat leg is underway. It
// carries the buyer's half of the payout signature so the seller can
// publish the payout alone once payment arrives.
type PaymentStartedMessage struct {
	baseMessage

	BuyerPayoutTxSignature []byte `json:"buyerPayoutTxSignature"`
	CounterCurrencyTxID    string `json:"counterCurrencyTxId,omitempty"`
	CounterCurrencyExtra   string `json:"counterCurrencyExtra,omitempty"`
}

func (PaymentStartedMessage) Kind() MessageKind { return KindPaymentStarted }

// PaymentReceivedMessage is the seller's receipt confirmation.
type PaymentReceivedMessage struct {
	baseMessage
}

func (PaymentReceivedMessage) Kind() MessageKind { return KindPaymentReceived }

// PayoutTxPublishedMessage delivers the final payout tx to the buyer.
type PayoutTxPublishedMessage struct {
	baseMessage

	PayoutTx   []byte `json:"payoutTx"`
	PayoutTxID string `json:"payoutTxId"`
}

func (PayoutTxPublishedMessage) Kind() MessageKind { return KindPayoutTxPublished }

// CancelTradeRequest proposes a cooperative unwind: both security
// deposits flow back and the requester pre-signs that payout.
type CancelTradeRequest struct {
	baseMessage

	Reason                  string `json:"reason,omitempty"`
	SenderPayoutTxSignature []byte `json:"senderPayoutTxSignature"`
}

func (CancelTradeRequest) Kind() MessageKind { return KindCancelRequest }

// CancelTradeResponse accepts or rejects a cancel request. On acceptance
// it names the published refund payout.
type CancelTradeResponse struct {
	baseMessage

	Accepted   bool   `json:"accepted"`
	PayoutTxID string `json:"payoutTxId,omitempty"`
}

func (CancelTradeResponse) Kind() MessageKind { return KindCancelResponse }

// Ack confirms (or refuses) processing of one message, identified by its
// uid and kind. Some transitions key off the ack of a specific kind.
type Ack struct {
	baseMessage

	SourceKind   MessageKind `json:"sourceKind"`
	SourceUID    string      `json:"sourceUid"`
	Success      bool        `json:"success"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

func (Ack) Kind() MessageKind { return KindAck }

type wireMessage struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMessage wraps a trade message with its kind tag for transport.
func EncodeMessage(msg TradeMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(wireMessage{Kind: msg.Kind(), Payload: payload})
}

// DecodeMessage is the inverse of EncodeMessage. Unknown kinds are an
// error, never a silent drop.
func DecodeMessage(raw []byte) (TradeMessage, error) {
	wire := wireMessage{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode wire message: %w", err)
	}

	var msg TradeMessage
	switch wire.Kind {
	case KindTakeOfferRequest:
		msg = &TakeOfferRequest{}
	case KindDepositTxRequest:
		msg = &DepositTxRequest{}
	case KindDepositTxResponse:
		msg = &DepositTxResponse{}
	case KindDepositTxAndSigs:
		msg = &DepositTxAndSigsMessage{}
	case KindPaymentStarted:
		msg = &PaymentStartedMessage{}
	case KindPaymentReceived:
		msg = &PaymentReceivedMessage{}
	case KindPayoutTxPublished:
		msg = &PayoutTxPublishedMessage{}
	case KindCancelRequest:
		msg = &CancelTradeRequest{}
	case KindCancelResponse:
		msg = &CancelTradeResponse{}
	case KindAck:
		msg = &Ack{}
	default:
		return nil, fmt.Errorf("unknown message kind %q", wire.Kind)
	}
	if err := json.Unmarshal(wire.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", wire.Kind, err)
	}
	return msg, nil
}
