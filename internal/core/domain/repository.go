package domain

import "context"

// TradeRepository persists trades together with their protocol session
// state. Implementations must make UpdateTrade atomic with respect to
// concurrent updates of the same trade.
type TradeRepository interface {
	AddTrade(ctx context.Context, trade *Trade, model *ProtocolModel) error
	GetTrade(ctx context.Context, tradeID string) (*Trade, *ProtocolModel, error)
	GetAllTrades(ctx context.Context) ([]*Trade, error)
	UpdateTrade(
		ctx context.Context,
		tradeID string,
		updateFn func(t *Trade, m *ProtocolModel) (*Trade, *ProtocolModel, error),
	) error
	DeleteTrade(ctx context.Context, tradeID string) error
}
