package protocol

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/crypto"
	"github.com/bisq-network/trade-engine/pkg/mempool"
	"github.com/bisq-network/trade-engine/pkg/taskrunner"
)

// Services bundles the read-mostly collaborators shared by every trade.
// Each of them is internally thread-safe; nothing here is per-trade.
type Services struct {
	Wallet  ports.WalletService
	Dao     ports.DaoStateService
	Filter  ports.FilterService
	Chain   ports.BlockchainService
	Mempool *mempool.Service
	P2P     ports.P2PService
	KeyRing *crypto.KeyRing
}

// Env is the unit of work handed to a task list: one trade, its session
// model, the shared services and, for message-driven transitions, the
// triggering message. A task has exclusive access to Trade and Model for
// as long as it runs.
type Env struct {
	Trade    *domain.Trade
	Model    *domain.ProtocolModel
	Services *Services
	Message  TradeMessage

	// Sender is the network address the triggering message arrived from,
	// SenderSigKey the signature key its envelope was signed with.
	Sender       string
	SenderSigKey []byte

	Log *log.Entry
}

// Task is one protocol step.
type Task = taskrunner.Task[*Env]

func task(name string, fn func(ctx context.Context, e *Env) error) Task {
	return taskrunner.Func(name, fn)
}

// sendDirect encodes, seals and sends a message to the trade peer,
// requiring it to be online.
func (e *Env) sendDirect(ctx context.Context, msg TradeMessage) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return e.Services.P2P.SendMessage(
		ctx, e.peerAddress(), e.Model.Peer.PubKeyRing.EncryptionPubKey, raw,
	)
}

// sendMailbox encodes, seals and sends a message that may wait in the
// peer's mailbox until it comes back online.
func (e *Env) sendMailbox(ctx context.Context, msg TradeMessage) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return e.Services.P2P.SendMailboxMessage(
		ctx, e.peerAddress(), e.Model.Peer.PubKeyRing.EncryptionPubKey, raw,
	)
}

func (e *Env) peerAddress() string {
	if e.Trade.PeerNodeAddress != "" {
		return e.Trade.PeerNodeAddress
	}
	return e.Model.TempPeerNodeAddress
}
