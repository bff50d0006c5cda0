package ports

import (
	"context"

	"github.com/bisq-network/trade-engine/pkg/crypto"
)

// Envelope is a sealed message in transit together with the claimed
// sender address. The address is routing information only; the sender
// identity is the signature key inside the box.
type Envelope struct {
	From string
	Box  *crypto.SealedBox
}

// MessageHandler consumes one inbound envelope. Handlers must not block;
// the dispatcher queues behind them.
type MessageHandler func(env Envelope)

// P2PService is the network transport. Direct sends require the peer to
// be online; mailbox sends store the envelope with relay nodes until the
// peer fetches it.
type P2PService interface {
	// SendMessage seals the payload for the recipient and delivers it
	// directly, failing if the peer is unreachable.
	SendMessage(ctx context.Context, to string, recipientEncPubKey, payload []byte) error
	// SendMailboxMessage seals the payload and hands it to the mailbox
	// relays for deferred delivery.
	SendMailboxMessage(ctx context.Context, to string, recipientEncPubKey, payload []byte) error
	// OnMessage registers the single inbound handler. Must be called
	// before Start.
	OnMessage(handler MessageHandler)

	Start(ctx context.Context) error
	Stop()
}
