package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/protocol"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

var (
	// ErrOfferNotFound is thrown when a take-offer request names no open
	// offer of ours.
	ErrOfferNotFound = errors.New("open offer not found")
	// ErrOfferTaken is thrown when a second taker races for the same
	// offer.
	ErrOfferTaken = errors.New("offer is already being taken")
	// ErrTradeNotCompletable ...
	ErrTradeNotCompletable = errors.New("trade payout is not published yet")
)

// Offer is the subset of an offer-book entry the settlement engine needs.
// MakerBuysBtc fixes the sides: the taker always trades the opposite
// direction.
type Offer struct {
	ID              string
	Amount          btcutil.Amount
	Price           decimal.Decimal
	PaymentMethodID string
	MakerBuysBtc    bool
	IsBsqSwap       bool

	// MakerFeeTxID names the trading fee tx published when the offer was
	// made; takers validate it before committing their own fee.
	MakerFeeTxID          string
	IsMakerFeeCurrencyBtc bool
}

func (o Offer) makerRole() domain.Role {
	if o.MakerBuysBtc {
		return domain.RoleBuyerAsMaker
	}
	return domain.RoleSellerAsMaker
}

func (o Offer) takerRole() domain.Role {
	if o.MakerBuysBtc {
		return domain.RoleSellerAsTaker
	}
	return domain.RoleBuyerAsTaker
}

// TradeManager owns the lifecycle of all trades on this node: it creates
// protocol executors, routes user actions to them, persists after every
// step and resumes unfinished trades at startup.
type TradeManager interface {
	// Start resumes persisted trades and begins listening for peers.
	Start(ctx context.Context) error
	Stop()

	// AddOpenOffer announces an offer whose take-offer requests we accept.
	AddOpenOffer(offer Offer)
	RemoveOpenOffer(offerID string)

	// TakeOffer starts a trade as taker against a maker's offer.
	TakeOffer(
		ctx context.Context, offer Offer, isFeeCurrencyBtc bool,
		makerAddress string, makerPubKeyRing crypto.PubKeyRing,
	) (*domain.Trade, error)

	ConfirmPaymentStarted(ctx context.Context, tradeID, counterCurrencyTxID, extra string) error
	ConfirmPaymentReceived(ctx context.Context, tradeID string) error
	RequestCancelTrade(ctx context.Context, tradeID, reason string) error
	// CompleteTrade marks a paid-out trade as withdrawn and releases its
	// executor.
	CompleteTrade(ctx context.Context, tradeID string) error

	GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error)
	ListTrades(ctx context.Context) ([]*domain.Trade, error)
}

type tradeManager struct {
	tradeRepository domain.TradeRepository
	services        *protocol.Services
	myNodeAddress   string
	dispatcher      *protocol.Dispatcher

	mtx        sync.Mutex
	protocols  map[string]*protocol.Protocol
	openOffers map[string]Offer
	failed     map[string]string
}

func NewTradeManager(
	tradeRepository domain.TradeRepository,
	services *protocol.Services,
	myNodeAddress string,
) TradeManager {
	m := &tradeManager{
		tradeRepository: tradeRepository,
		services:        services,
		myNodeAddress:   myNodeAddress,
		protocols:       make(map[string]*protocol.Protocol),
		openOffers:      make(map[string]Offer),
		failed:          make(map[string]string),
	}
	m.dispatcher = protocol.NewDispatcher(m, services.KeyRing)
	return m
}

func (m *tradeManager) Start(ctx context.Context) error {
	if err := m.resumeTrades(ctx); err != nil {
		return err
	}
	m.services.P2P.OnMessage(m.dispatcher.HandleEnvelope)
	if err := m.services.P2P.Start(ctx); err != nil {
		return fmt.Errorf("start p2p service: %w", err)
	}
	log.WithField("address", m.myNodeAddress).Info("trade manager started")
	return nil
}

func (m *tradeManager) Stop() {
	m.dispatcher.Close()
	m.services.P2P.Stop()
	log.Info("trade manager stopped")
}

// resumeTrades rebuilds an executor for every persisted trade that has
// not reached a terminal phase. Pending mailbox messages re-drive them.
func (m *tradeManager) resumeTrades(ctx context.Context) error {
	trades, err := m.tradeRepository.GetAllTrades(ctx)
	if err != nil {
		return fmt.Errorf("load persisted trades: %w", err)
	}

	resumed := 0
	for _, trade := range trades {
		if trade.Phase.IsTerminal() {
			continue
		}
		_, model, err := m.tradeRepository.GetTrade(ctx, trade.ID)
		if err != nil {
			log.WithError(err).Warnf("skipping trade %s", trade.ShortID())
			continue
		}
		m.registerProtocol(trade, model)
		resumed++
	}
	if resumed > 0 {
		log.Infof("resumed %d open trade(s)", resumed)
	}
	return nil
}

func (m *tradeManager) AddOpenOffer(offer Offer) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.openOffers[offer.ID] = offer
}

func (m *tradeManager) RemoveOpenOffer(offerID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.openOffers, offerID)
}

// Protocol implements protocol.Registry.
func (m *tradeManager) Protocol(tradeID string) (*protocol.Protocol, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	p, ok := m.protocols[tradeID]
	return p, ok
}

// OnTakeOfferRequest implements protocol.Registry: a first-contact
// request against one of our open offers creates the maker-side trade.
func (m *tradeManager) OnTakeOfferRequest(
	ctx context.Context, msg *protocol.TakeOfferRequest, from string, senderSigKey []byte,
) {
	m.mtx.Lock()
	offer, ok := m.openOffers[msg.OfferID]
	if ok {
		// one taker per offer, first come first served
		delete(m.openOffers, msg.OfferID)
	}
	m.mtx.Unlock()
	if !ok {
		log.Warnf("take-offer request from %s for unknown offer %s", from, msg.OfferID)
		return
	}

	trade := domain.NewTrade(
		offer.ID, offer.makerRole(), offer.Amount, offer.Price,
		offer.PaymentMethodID, msg.TakerNonce,
	)
	trade.IsBsqSwap = offer.IsBsqSwap
	trade.MakerFeeTxID = offer.MakerFeeTxID
	trade.IsMakerFeeCurrencyBtc = offer.IsMakerFeeCurrencyBtc
	model := domain.NewProtocolModel(
		offer.ID, m.myNodeAddress, m.services.KeyRing.PubKeyRing(),
	)
	model.TempPeerNodeAddress = from

	if err := m.tradeRepository.AddTrade(ctx, trade, model); err != nil {
		log.WithError(err).Errorf("could not persist trade for offer %s", offer.ID)
		return
	}
	p := m.registerProtocol(trade, model)
	p.HandleMessage(ctx, msg, from, senderSigKey)
}

func (m *tradeManager) TakeOffer(
	ctx context.Context, offer Offer, isFeeCurrencyBtc bool,
	makerAddress string, makerPubKeyRing crypto.PubKeyRing,
) (*domain.Trade, error) {
	if makerPubKeyRing.IsEmpty() {
		return nil, domain.ErrPeerPubKeyRingNotSet
	}

	trade := domain.NewTrade(
		offer.ID, offer.takerRole(), offer.Amount, offer.Price,
		offer.PaymentMethodID, "",
	)
	trade.IsBsqSwap = offer.IsBsqSwap
	trade.IsFeeCurrencyBtc = isFeeCurrencyBtc
	trade.MakerFeeTxID = offer.MakerFeeTxID
	trade.IsMakerFeeCurrencyBtc = offer.IsMakerFeeCurrencyBtc
	trade.PeerNodeAddress = makerAddress
	model := domain.NewProtocolModel(
		offer.ID, m.myNodeAddress, m.services.KeyRing.PubKeyRing(),
	)
	model.Peer.PubKeyRing = makerPubKeyRing
	model.Peer.NodeAddress = makerAddress

	if err := m.tradeRepository.AddTrade(ctx, trade, model); err != nil {
		return nil, err
	}
	p := m.registerProtocol(trade, model)
	if err := p.OnTakeOffer(ctx); err != nil {
		return trade, err
	}
	return trade, nil
}

func (m *tradeManager) ConfirmPaymentStarted(
	ctx context.Context, tradeID, counterCurrencyTxID, extra string,
) error {
	p, ok := m.Protocol(tradeID)
	if !ok {
		return domain.ErrTradeNotFound
	}
	return p.OnPaymentStarted(ctx, counterCurrencyTxID, extra)
}

func (m *tradeManager) ConfirmPaymentReceived(ctx context.Context, tradeID string) error {
	p, ok := m.Protocol(tradeID)
	if !ok {
		return domain.ErrTradeNotFound
	}
	return p.OnPaymentReceived(ctx)
}

func (m *tradeManager) RequestCancelTrade(ctx context.Context, tradeID, reason string) error {
	p, ok := m.Protocol(tradeID)
	if !ok {
		return domain.ErrTradeNotFound
	}
	return p.OnCancelTradeRequested(ctx, reason)
}

func (m *tradeManager) CompleteTrade(ctx context.Context, tradeID string) error {
	err := m.tradeRepository.UpdateTrade(ctx, tradeID,
		func(t *domain.Trade, pm *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error) {
			if t.Phase != domain.PhasePayoutPublished {
				return nil, nil, ErrTradeNotCompletable
			}
			if err := t.ToState(domain.StateWithdrawCompleted); err != nil {
				return nil, nil, err
			}
			return t, pm, nil
		},
	)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	delete(m.protocols, tradeID)
	m.mtx.Unlock()
	return nil
}

func (m *tradeManager) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	trade, _, err := m.tradeRepository.GetTrade(ctx, tradeID)
	return trade, err
}

func (m *tradeManager) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	return m.tradeRepository.GetAllTrades(ctx)
}

func (m *tradeManager) registerProtocol(
	trade *domain.Trade, model *domain.ProtocolModel,
) *protocol.Protocol {
	p := protocol.New(trade, model, m.services, m.persistTrade, m.recordFailure)
	m.mtx.Lock()
	m.protocols[trade.ID] = p
	m.mtx.Unlock()
	return p
}

// persistTrade stores the executor's in-memory aggregates. It runs under
// the protocol lock, after every task list.
func (m *tradeManager) persistTrade(trade *domain.Trade, model *domain.ProtocolModel) {
	err := m.tradeRepository.UpdateTrade(context.Background(), trade.ID,
		func(*domain.Trade, *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error) {
			return trade, model, nil
		},
	)
	if err != nil {
		log.WithError(err).Errorf("could not persist trade %s", trade.ShortID())
	}
}

func (m *tradeManager) recordFailure(tradeID, errorMessage string) {
	m.mtx.Lock()
	m.failed[tradeID] = errorMessage
	m.mtx.Unlock()
}

var _ protocol.Registry = (*tradeManager)(nil)
