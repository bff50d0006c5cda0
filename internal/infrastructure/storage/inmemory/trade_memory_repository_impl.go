package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

type tradeRecord struct {
	trade *domain.Trade
	model *domain.ProtocolModel
}

type tradeRepositoryImpl struct {
	locker *sync.Mutex
	trades map[string]tradeRecord
}

// NewTradeRepositoryImpl returns a new inmemory TradeRepository
// implementation.
func NewTradeRepositoryImpl() domain.TradeRepository {
	return &tradeRepositoryImpl{
		locker: &sync.Mutex{},
		trades: map[string]tradeRecord{},
	}
}

func (r *tradeRepositoryImpl) AddTrade(
	_ context.Context, trade *domain.Trade, model *domain.ProtocolModel,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.trades[trade.ID]; ok {
		return domain.ErrTradeAlreadyExists
	}
	record, err := copyRecord(trade, model)
	if err != nil {
		return err
	}
	r.trades[trade.ID] = record
	return nil
}

func (r *tradeRepositoryImpl) GetTrade(
	_ context.Context, tradeID string,
) (*domain.Trade, *domain.ProtocolModel, error) {
	r.locker.Lock()
	defer r.locker.Unlock()

	record, ok := r.trades[tradeID]
	if !ok {
		return nil, nil, domain.ErrTradeNotFound
	}
	out, err := copyRecord(record.trade, record.model)
	if err != nil {
		return nil, nil, err
	}
	return out.trade, out.model, nil
}

func (r *tradeRepositoryImpl) GetAllTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	r.locker.Lock()
	defer r.locker.Unlock()

	trades := make([]*domain.Trade, 0, len(r.trades))
	for _, record := range r.trades {
		out, err := copyRecord(record.trade, record.model)
		if err != nil {
			return nil, err
		}
		trades = append(trades, out.trade)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}

func (r *tradeRepositoryImpl) UpdateTrade(
	_ context.Context, tradeID string,
	updateFn func(*domain.Trade, *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error),
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	record, ok := r.trades[tradeID]
	if !ok {
		return domain.ErrTradeNotFound
	}
	current, err := copyRecord(record.trade, record.model)
	if err != nil {
		return err
	}
	trade, model, err := updateFn(current.trade, current.model)
	if err != nil {
		return err
	}
	updated, err := copyRecord(trade, model)
	if err != nil {
		return err
	}
	r.trades[tradeID] = updated
	return nil
}

func (r *tradeRepositoryImpl) DeleteTrade(_ context.Context, tradeID string) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.trades[tradeID]; !ok {
		return domain.ErrTradeNotFound
	}
	delete(r.trades, tradeID)
	return nil
}

// copyRecord deep-copies through the domain serializers so callers never
// share pointers with the store.
func copyRecord(trade *domain.Trade, model *domain.ProtocolModel) (tradeRecord, error) {
	rawTrade, err := trade.Serialize()
	if err != nil {
		return tradeRecord{}, err
	}
	tradeCopy, err := domain.DeserializeTrade(rawTrade)
	if err != nil {
		return tradeRecord{}, err
	}
	rawModel, err := model.Serialize()
	if err != nil {
		return tradeRecord{}, err
	}
	modelCopy, err := domain.DeserializeProtocolModel(rawModel)
	if err != nil {
		return tradeRecord{}, err
	}
	return tradeRecord{trade: tradeCopy, model: modelCopy}, nil
}
