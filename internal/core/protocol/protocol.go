package protocol

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/pkg/taskrunner"
)

const defaultTimeout = 2 * time.Minute

// transition maps one expected incoming message to the ordered task list
// that handles it. A message arriving outside its expected phases, or an
// ack for a kind no transition listens on, is dropped without touching
// the trade.
type transition struct {
	kind MessageKind
	// ackOf narrows an Ack transition to acks of one specific kind.
	ackOf   MessageKind
	phases  []domain.Phase
	tasks   []Task
	timeout time.Duration
}

// Role is one protocol variant expressed as data: the message-driven
// transitions plus the task lists behind each user-triggered event. The
// same executor runs every role.
type Role struct {
	name        string
	transitions []transition

	onTakeOffer       []Task
	onPaymentStarted  []Task
	onPaymentReceived []Task
	onCancelRequested []Task
}

// Protocol executes one role against one trade. All entry points
// serialize on an internal mutex, so at most one task list runs per trade
// at any time; callers queue behind it.
type Protocol struct {
	trade    *domain.Trade
	model    *domain.ProtocolModel
	services *Services
	role     *Role

	// persist is called after every task-list completion, success or not.
	persist func(t *domain.Trade, m *domain.ProtocolModel)
	// onError surfaces task failures to the operator.
	onError func(tradeID, errorMessage string)

	mtx sync.Mutex
	log *log.Entry
}

// New builds the protocol executor for the trade's role. The persist hook
// must not be nil; onError may be.
func New(
	trade *domain.Trade, model *domain.ProtocolModel, services *Services,
	persist func(t *domain.Trade, m *domain.ProtocolModel),
	onError func(tradeID, errorMessage string),
) *Protocol {
	if onError == nil {
		onError = func(string, string) {}
	}
	return &Protocol{
		trade:    trade,
		model:    model,
		services: services,
		role:     roleTable(trade.Role, trade.IsBsqSwap),
		persist:  persist,
		onError:  onError,
		log: log.WithFields(log.Fields{
			"trade": trade.ShortID(),
			"role":  trade.Role.String(),
		}),
	}
}

// Trade returns the aggregate this protocol drives. Callers must not
// mutate it outside a task list.
func (p *Protocol) Trade() *domain.Trade { return p.trade }

// HandleMessage processes one inbound message. senderSigKey is the
// signature key the transport envelope was signed with; nil skips the
// identity check (local testing). Precondition mismatches (wrong phase,
// wrong sender, no transition) are logged and dropped; the trade is never
// mutated by a dropped message.
func (p *Protocol) HandleMessage(ctx context.Context, msg TradeMessage, from string, senderSigKey []byte) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if senderSigKey != nil && p.model.PeerPubKeyRingKnown() &&
		!bytes.Equal(senderSigKey, p.model.Peer.PubKeyRing.SignaturePubKey) {
		p.log.Warnf("dropping %s signed with an unknown key", msg.Kind())
		return
	}

	tr, ok := p.findTransition(msg)
	if !ok {
		// most acks are pure receipts with no transition behind them
		if msg.Kind() == KindAck {
			p.log.Debugf("ack received in phase %s", p.trade.Phase)
			return
		}
		p.log.Warnf(
			"dropping %s in phase %s: no matching transition",
			msg.Kind(), p.trade.Phase,
		)
		return
	}
	if !p.senderAllowed(msg, from) {
		p.log.Warnf("dropping %s from unexpected sender %s", msg.Kind(), from)
		return
	}

	env := &Env{
		Trade:        p.trade,
		Model:        p.model,
		Services:     p.services,
		Message:      msg,
		Sender:       from,
		SenderSigKey: senderSigKey,
		Log:          p.log,
	}
	err := p.runList(env, tr.tasks, tr.timeout)
	if msg.Kind() != KindAck {
		p.sendAck(ctx, msg, err)
	}
	p.persist(p.trade, p.model)
}

// OnTakeOffer is the taker's entry point, triggered by the local user.
func (p *Protocol) OnTakeOffer(ctx context.Context) error {
	return p.runEvent(ctx, "take offer", p.role.onTakeOffer)
}

// OnPaymentStarted is triggered by the buyer confirming the fiat payment
// was sent.
func (p *Protocol) OnPaymentStarted(ctx context.Context, counterCurrencyTxID, extra string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.role.onPaymentStarted) == 0 {
		return fmt.Errorf("payment started not supported by role %s", p.role.name)
	}
	if p.trade.Phase != domain.PhaseDepositPublished {
		return fmt.Errorf(
			"cannot start payment in phase %s: %w",
			p.trade.Phase, domain.ErrPhaseRegression,
		)
	}
	env := p.eventEnv()
	env.Model.CounterCurrencyTxID = counterCurrencyTxID
	env.Model.CounterCurrencyExtra = extra
	return p.finishEvent("payment started", env, p.role.onPaymentStarted)
}

// OnPaymentReceived is triggered by the seller confirming the fiat
// payment arrived.
func (p *Protocol) OnPaymentReceived(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.role.onPaymentReceived) == 0 {
		return fmt.Errorf("payment received not supported by role %s", p.role.name)
	}
	if p.trade.Phase != domain.PhaseFiatSent {
		return fmt.Errorf(
			"cannot confirm receipt in phase %s: %w",
			p.trade.Phase, domain.ErrPhaseRegression,
		)
	}
	return p.finishEvent("payment received", p.eventEnv(), p.role.onPaymentReceived)
}

// OnCancelTradeRequested asks the peer to cooperatively unwind the trade.
func (p *Protocol) OnCancelTradeRequested(ctx context.Context, reason string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.role.onCancelRequested) == 0 {
		return fmt.Errorf("cancellation not supported by role %s", p.role.name)
	}
	if p.trade.Phase.IsTerminal() {
		return domain.ErrTradeTerminal
	}
	env := p.eventEnv()
	env.Model.CancelReason = reason
	return p.finishEvent("cancel requested", env, p.role.onCancelRequested)
}

// OnMailboxMessage processes a message fetched from the mailbox after the
// node came back online. Handling is identical to a direct message.
func (p *Protocol) OnMailboxMessage(ctx context.Context, msg TradeMessage, from string, senderSigKey []byte) {
	p.HandleMessage(ctx, msg, from, senderSigKey)
}

func (p *Protocol) runEvent(ctx context.Context, name string, tasks []Task) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(tasks) == 0 {
		return fmt.Errorf("%s not supported by role %s", name, p.role.name)
	}
	return p.finishEvent(name, p.eventEnv(), tasks)
}

func (p *Protocol) finishEvent(name string, env *Env, tasks []Task) error {
	err := p.runList(env, tasks, defaultTimeout)
	p.persist(p.trade, p.model)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Protocol) eventEnv() *Env {
	return &Env{
		Trade:    p.trade,
		Model:    p.model,
		Services: p.services,
		Log:      p.log,
	}
}

// runList executes the tasks and records a failure on the trade. The
// runner guarantees exactly one of success or fault fires.
func (p *Protocol) runList(env *Env, tasks []Task, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	var failure error
	runner := taskrunner.New(
		env,
		taskrunner.WithTimeout[*Env](timeout),
		taskrunner.OnFault[*Env](func(taskName string, err error) {
			failure = fmt.Errorf("%s: %w", taskName, err)
		}),
	)
	runner.Add(tasks...)
	runner.Run()

	if failure != nil {
		p.log.WithError(failure).Error("task list aborted")
		p.trade.Fail(failure.Error())
		p.onError(p.trade.ID, failure.Error())
	}
	return failure
}

func (p *Protocol) findTransition(msg TradeMessage) (transition, bool) {
	for _, tr := range p.role.transitions {
		if tr.kind != msg.Kind() {
			continue
		}
		if tr.kind == KindAck {
			ack, ok := msg.(*Ack)
			if !ok || ack.SourceKind != tr.ackOf {
				continue
			}
		}
		for _, phase := range tr.phases {
			if phase == p.trade.Phase {
				return tr, true
			}
		}
	}
	return transition{}, false
}

// senderAllowed pins the counterparty: once the trade knows its peer,
// messages from any other address are dropped.
func (p *Protocol) senderAllowed(msg TradeMessage, from string) bool {
	known := p.trade.PeerNodeAddress
	if known == "" {
		known = p.model.TempPeerNodeAddress
	}
	if known == "" {
		// first contact, the processing task pins the sender
		return msg.Kind() == KindTakeOfferRequest
	}
	return from == known
}

func (p *Protocol) sendAck(ctx context.Context, msg TradeMessage, handleErr error) {
	if !p.model.PeerPubKeyRingKnown() {
		return
	}
	ack := &Ack{
		baseMessage: newBase(p.trade.ID),
		SourceKind:  msg.Kind(),
		SourceUID:   msg.UID(),
		Success:     handleErr == nil,
	}
	if handleErr != nil {
		ack.ErrorMessage = handleErr.Error()
	}
	env := &Env{Trade: p.trade, Model: p.model, Services: p.services, Log: p.log}
	if err := env.sendDirect(ctx, ack); err != nil {
		p.log.WithError(err).Warnf("could not ack %s", msg.Kind())
	}
}
