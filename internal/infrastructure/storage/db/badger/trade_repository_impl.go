package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

var (
	tradeKeyPrefix = []byte("trade:")
	modelKeyPrefix = []byte("model:")
)

type tradeRepositoryImpl struct {
	db *DbManager
}

func NewTradeRepositoryImpl(db *DbManager) domain.TradeRepository {
	return tradeRepositoryImpl{
		db: db,
	}
}

func (r tradeRepositoryImpl) AddTrade(
	_ context.Context, trade *domain.Trade, model *domain.ProtocolModel,
) error {
	return r.db.Store.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(tradeKey(trade.ID)); err == nil {
			return domain.ErrTradeAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeRecord(tx, trade, model)
	})
}

func (r tradeRepositoryImpl) GetTrade(
	_ context.Context, tradeID string,
) (*domain.Trade, *domain.ProtocolModel, error) {
	var trade *domain.Trade
	var model *domain.ProtocolModel
	err := r.db.Store.View(func(tx *badger.Txn) error {
		var err error
		trade, model, err = readRecord(tx, tradeID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return trade, model, nil
}

func (r tradeRepositoryImpl) GetAllTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	trades := make([]*domain.Trade, 0)
	err := r.db.Store.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tradeKeyPrefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(tradeKeyPrefix); it.ValidForPrefix(tradeKeyPrefix); it.Next() {
			err := it.Item().Value(func(raw []byte) error {
				trade, err := domain.DeserializeTrade(raw)
				if err != nil {
					return err
				}
				trades = append(trades, trade)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// UpdateTrade runs updateFn inside a single read-modify-write transaction
// so concurrent updaters of the same trade never lose writes.
func (r tradeRepositoryImpl) UpdateTrade(
	_ context.Context, tradeID string,
	updateFn func(*domain.Trade, *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error),
) error {
	return r.db.Store.Update(func(tx *badger.Txn) error {
		trade, model, err := readRecord(tx, tradeID)
		if err != nil {
			return err
		}
		updatedTrade, updatedModel, err := updateFn(trade, model)
		if err != nil {
			return err
		}
		return writeRecord(tx, updatedTrade, updatedModel)
	})
}

func (r tradeRepositoryImpl) DeleteTrade(_ context.Context, tradeID string) error {
	return r.db.Store.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(tradeKey(tradeID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrTradeNotFound
			}
			return err
		}
		if err := tx.Delete(tradeKey(tradeID)); err != nil {
			return err
		}
		return tx.Delete(modelKey(tradeID))
	})
}

func readRecord(tx *badger.Txn, tradeID string) (*domain.Trade, *domain.ProtocolModel, error) {
	item, err := tx.Get(tradeKey(tradeID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, domain.ErrTradeNotFound
		}
		return nil, nil, err
	}
	var trade *domain.Trade
	if err := item.Value(func(raw []byte) error {
		trade, err = domain.DeserializeTrade(raw)
		return err
	}); err != nil {
		return nil, nil, err
	}

	item, err = tx.Get(modelKey(tradeID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, domain.ErrTradeNotFound
		}
		return nil, nil, err
	}
	var model *domain.ProtocolModel
	if err := item.Value(func(raw []byte) error {
		model, err = domain.DeserializeProtocolModel(raw)
		return err
	}); err != nil {
		return nil, nil, err
	}
	return trade, model, nil
}

func writeRecord(tx *badger.Txn, trade *domain.Trade, model *domain.ProtocolModel) error {
	rawTrade, err := trade.Serialize()
	if err != nil {
		return err
	}
	rawModel, err := model.Serialize()
	if err != nil {
		return err
	}
	if err := tx.Set(tradeKey(trade.ID), rawTrade); err != nil {
		return err
	}
	return tx.Set(modelKey(trade.ID), rawModel)
}

func tradeKey(tradeID string) []byte {
	return append(append([]byte{}, tradeKeyPrefix...), tradeID...)
}

func modelKey(tradeID string) []byte {
	return append(append([]byte{}, modelKeyPrefix...), tradeID...)
}
