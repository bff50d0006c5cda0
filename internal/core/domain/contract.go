package domain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"github.com/bisq-network/trade-engine/pkg/crypto"
)

// Contract is the document both parties sign before any deposit funds
// move. Field order is fixed so that both sides serialize it to identical
// bytes and the hash commitment matches.
type Contract struct {
	OfferID         string          `json:"offerId"`
	TradeAmount     btcutil.Amount  `json:"tradeAmount"`
	TradePrice      decimal.Decimal `json:"tradePrice"`
	PaymentMethodID string          `json:"paymentMethodId"`

	TakerFeeTxID string `json:"takerFeeTxId"`

	BuyerNodeAddress  string `json:"buyerNodeAddress"`
	SellerNodeAddress string `json:"sellerNodeAddress"`
	IsBuyerMaker      bool   `json:"isBuyerMaker"`

	MakerPubKeyRing crypto.PubKeyRing `json:"makerPubKeyRing"`
	TakerPubKeyRing crypto.PubKeyRing `json:"takerPubKeyRing"`

	MakerPaymentAccountPayload []byte `json:"makerPaymentAccountPayload"`
	TakerPaymentAccountPayload []byte `json:"takerPaymentAccountPayload"`

	MakerMultiSigPubKey []byte `json:"makerMultiSigPubKey"`
	TakerMultiSigPubKey []byte `json:"takerMultiSigPubKey"`

	MakerPayoutAddress string `json:"makerPayoutAddress"`
	TakerPayoutAddress string `json:"takerPayoutAddress"`

	LockTime uint32 `json:"lockTime"`
}

// Serialize produces the canonical byte form shared by both parties.
func (c *Contract) Serialize() ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize contract: %w", err)
	}
	return buf, nil
}

// Hash returns the SHA256 commitment over the canonical serialization.
func (c *Contract) Hash() ([]byte, error) {
	buf, err := c.Serialize()
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(buf)
	return h[:], nil
}

// DeserializeContract is the inverse of Serialize.
func DeserializeContract(raw []byte) (*Contract, error) {
	contract := &Contract{}
	if err := json.Unmarshal(raw, contract); err != nil {
		return nil, fmt.Errorf("deserialize contract: %w", err)
	}
	return contract, nil
}
