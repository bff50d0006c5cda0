package inmemory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/infrastructure/storage/inmemory"
	"github.com/bisq-network/trade-engine/pkg/crypto"
)

func newTestRecord(t *testing.T) (*domain.Trade, *domain.ProtocolModel) {
	t.Helper()
	keyRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)
	trade := domain.NewTrade(
		"offer-7", domain.RoleSellerAsMaker, 2_000_000,
		decimal.NewFromInt(50_000), "SEPA", "aabbccdd",
	)
	model := domain.NewProtocolModel("offer-7", "me.onion:9999", keyRing.PubKeyRing())
	return trade, model
}

func TestAddAndGetTrade(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewTradeRepositoryImpl()
	trade, model := newTestRecord(t)

	require.NoError(t, repo.AddTrade(ctx, trade, model))
	require.ErrorIs(t, repo.AddTrade(ctx, trade, model), domain.ErrTradeAlreadyExists)

	gotTrade, gotModel, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, trade.ID, gotTrade.ID)
	require.Equal(t, trade.Phase, gotTrade.Phase)
	require.Equal(t, model.PubKeyRing, gotModel.PubKeyRing)

	_, _, err = repo.GetTrade(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestGetTradeReturnsACopy(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewTradeRepositoryImpl()
	trade, model := newTestRecord(t)
	require.NoError(t, repo.AddTrade(ctx, trade, model))

	got, _, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	got.ErrorMessage = "mutated outside the store"

	fresh, _, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Empty(t, fresh.ErrorMessage)
}

func TestUpdateTrade(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewTradeRepositoryImpl()
	trade, model := newTestRecord(t)
	require.NoError(t, repo.AddTrade(ctx, trade, model))

	err := repo.UpdateTrade(ctx, trade.ID,
		func(tr *domain.Trade, m *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error) {
			if err := tr.ToState(domain.StateTakerPublishedFeeTx); err != nil {
				return nil, nil, err
			}
			m.TakerFeeTxID = "fee-tx-1"
			return tr, m, nil
		},
	)
	require.NoError(t, err)

	gotTrade, gotModel, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFeePublished, gotTrade.Phase)
	require.Equal(t, "fee-tx-1", gotModel.TakerFeeTxID)
}

func TestUpdateTradeRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewTradeRepositoryImpl()
	trade, model := newTestRecord(t)
	require.NoError(t, repo.AddTrade(ctx, trade, model))

	err := repo.UpdateTrade(ctx, trade.ID,
		func(tr *domain.Trade, m *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error) {
			tr.ErrorMessage = "half-applied"
			return nil, nil, domain.ErrTradeTerminal
		},
	)
	require.ErrorIs(t, err, domain.ErrTradeTerminal)

	gotTrade, _, err := repo.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Empty(t, gotTrade.ErrorMessage)
}

func TestGetAllAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewTradeRepositoryImpl()
	trade, model := newTestRecord(t)
	require.NoError(t, repo.AddTrade(ctx, trade, model))

	trades, err := repo.GetAllTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	require.NoError(t, repo.DeleteTrade(ctx, trade.ID))
	require.ErrorIs(t, repo.DeleteTrade(ctx, trade.ID), domain.ErrTradeNotFound)

	trades, err = repo.GetAllTrades(ctx)
	require.NoError(t, err)
	require.Empty(t, trades)
}
