package protocol

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

const queueCapacity = 16

// Registry resolves trades to their running protocol instances and
// admits first-contact take-offer requests.
type Registry interface {
	// Protocol returns the executor for a known trade.
	Protocol(tradeID string) (*Protocol, bool)
	// OnTakeOfferRequest is called for a TakeOfferRequest that matches no
	// existing trade. The registry decides whether one of its open offers
	// is being taken and, if so, creates the trade and handles the
	// message.
	OnTakeOfferRequest(ctx context.Context, msg *TakeOfferRequest, from string, senderSigKey []byte)
}

type inboundMessage struct {
	msg          TradeMessage
	from         string
	senderSigKey []byte
}

// Dispatcher turns raw envelopes into per-trade, strictly serialized
// message handling. Each trade gets its own queue and worker, so a slow
// task list never blocks other trades, and a message arriving while a
// task list runs waits its turn instead of interleaving.
type Dispatcher struct {
	registry Registry
	keyRing  *crypto.KeyRing

	mtx      sync.Mutex
	queues   map[string]chan inboundMessage
	limiters map[string]*rate.Limiter
	closed   bool

	wg sync.WaitGroup
}

func NewDispatcher(registry Registry, keyRing *crypto.KeyRing) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		keyRing:  keyRing,
		queues:   make(map[string]chan inboundMessage),
		limiters: make(map[string]*rate.Limiter),
	}
}

// HandleEnvelope is the transport's inbound callback. It never blocks:
// throttled, malformed or unroutable envelopes are dropped, everything
// else is queued for the trade's worker.
func (d *Dispatcher) HandleEnvelope(env ports.Envelope) {
	if !d.limiter(env.From).Allow() {
		log.Warnf("throttling peer %s, dropping envelope", env.From)
		return
	}

	payload, err := crypto.Open(env.Box, d.keyRing)
	if err != nil {
		log.WithError(err).Warnf("discarding undecryptable envelope from %s", env.From)
		return
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		log.WithError(err).Warnf("discarding malformed message from %s", env.From)
		return
	}

	in := inboundMessage{msg: msg, from: env.From, senderSigKey: env.Box.SigPubKey}
	if _, known := d.registry.Protocol(msg.TradeID()); !known {
		if req, ok := msg.(*TakeOfferRequest); ok {
			d.registry.OnTakeOfferRequest(context.Background(), req, in.from, in.senderSigKey)
			return
		}
		log.Warnf("dropping %s for unknown trade %s", msg.Kind(), msg.TradeID())
		return
	}
	d.enqueue(msg.TradeID(), in)
}

func (d *Dispatcher) enqueue(tradeID string, in inboundMessage) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return
	}
	queue, ok := d.queues[tradeID]
	if !ok {
		queue = make(chan inboundMessage, queueCapacity)
		d.queues[tradeID] = queue
		d.wg.Add(1)
		go d.work(tradeID, queue)
	}
	select {
	case queue <- in:
	default:
		log.Warnf("queue full for trade %s, dropping %s", tradeID, in.msg.Kind())
	}
}

func (d *Dispatcher) work(tradeID string, queue chan inboundMessage) {
	defer d.wg.Done()
	for in := range queue {
		protocol, ok := d.registry.Protocol(tradeID)
		if !ok {
			log.Warnf("dropping %s, trade %s no longer known", in.msg.Kind(), tradeID)
			continue
		}
		protocol.HandleMessage(context.Background(), in.msg, in.from, in.senderSigKey)
	}
}

func (d *Dispatcher) limiter(peer string) *rate.Limiter {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	l, ok := d.limiters[peer]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 20)
		d.limiters[peer] = l
	}
	return l
}

// Close drains and stops every trade worker.
func (d *Dispatcher) Close() {
	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mtx.Unlock()
	d.wg.Wait()
}
