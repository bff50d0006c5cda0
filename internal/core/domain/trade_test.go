package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/domain"
)

func newTestTrade() *domain.Trade {
	return domain.NewTrade(
		"offer-1", domain.RoleSellerAsMaker, 1_000_000,
		decimal.NewFromInt(45_000), "SEPA", "abcd1234",
	)
}

func TestHappyPathPhasesNeverDecrease(t *testing.T) {
	trade := newTestTrade()
	states := []domain.State{
		domain.StateTakerPublishedFeeTx,
		domain.StateDepositNegotiated,
		domain.StateDepositTxPublished,
		domain.StateSellerReceivedPaymentStarted,
		domain.StatePaymentReceiptConfirmed,
		domain.StateSellerPublishedPayoutTx,
		domain.StateWithdrawCompleted,
	}

	last := trade.Phase
	for _, s := range states {
		require.NoError(t, trade.ToState(s))
		require.GreaterOrEqual(t, int(trade.Phase), int(last))
		last = trade.Phase
	}
	require.True(t, trade.IsCompleted())
}

func TestPhaseRegressionRejected(t *testing.T) {
	trade := newTestTrade()
	require.NoError(t, trade.ToState(domain.StateSellerReceivedPaymentStarted))

	err := trade.ToState(domain.StateTakerPublishedFeeTx)
	require.ErrorIs(t, err, domain.ErrPhaseRegression)
	require.Equal(t, domain.PhaseFiatSent, trade.Phase)
	require.Equal(t, domain.StateSellerReceivedPaymentStarted, trade.State)
}

func TestSameStateDifferentPhaseMapping(t *testing.T) {
	trade := newTestTrade()
	require.NoError(t, trade.ToState(domain.StateDepositTxPublished))
	// advancing within the same phase is fine
	require.NoError(t, trade.ToState(domain.StateDepositTxSeen))
	require.Equal(t, domain.PhaseDepositPublished, trade.Phase)
}

func TestTerminalOverrides(t *testing.T) {
	t.Run("cancel from mid trade", func(t *testing.T) {
		trade := newTestTrade()
		require.NoError(t, trade.ToState(domain.StateDepositNegotiated))
		require.NoError(t, trade.Cancel())
		require.Equal(t, domain.PhaseCanceled, trade.Phase)
	})

	t.Run("no transitions out of canceled", func(t *testing.T) {
		trade := newTestTrade()
		require.NoError(t, trade.Cancel())
		err := trade.ToState(domain.StateDepositTxPublished)
		require.ErrorIs(t, err, domain.ErrTradeTerminal)
	})

	t.Run("completed trade cannot be canceled", func(t *testing.T) {
		trade := newTestTrade()
		require.NoError(t, trade.ToState(domain.StateWithdrawCompleted))
		require.ErrorIs(t, trade.Cancel(), domain.ErrTradeTerminal)
	})
}

func TestFailKeepsFirstMessage(t *testing.T) {
	trade := newTestTrade()
	trade.Fail("first cause")
	trade.Fail("second cause")

	require.True(t, trade.HasFailed())
	require.Equal(t, "first cause", trade.ErrorMessage)
	require.Equal(t, domain.StateFailed, trade.State)
}

func TestTradeIDDerivedFromOfferAndNonce(t *testing.T) {
	trade := newTestTrade()
	require.Equal(t, "offer-1-abcd1234", trade.ID)
	require.Equal(t, "offer-1-", trade.ShortID())

	generated := domain.NewTrade(
		"offer-2", domain.RoleBuyerAsTaker, 500_000,
		decimal.NewFromInt(45_000), "SEPA", "",
	)
	require.Len(t, generated.ID, len("offer-2-")+8)
}

func TestSerializeRoundTripPreservesPhase(t *testing.T) {
	trade := newTestTrade()
	require.NoError(t, trade.ToState(domain.StateDepositTxPublished))
	trade.SetDisputeState(domain.DisputeRequested)

	buf, err := trade.Serialize()
	require.NoError(t, err)

	restored, err := domain.DeserializeTrade(buf)
	require.NoError(t, err)
	require.Equal(t, trade.ID, restored.ID)
	require.Equal(t, domain.PhaseDepositPublished, restored.Phase)
	require.Equal(t, domain.StateDepositTxPublished, restored.State)
	require.Equal(t, domain.DisputeRequested, restored.DisputeState)
	require.True(t, restored.IsDisputed())

	// a restored trade keeps enforcing forward-only phases
	require.ErrorIs(
		t, restored.ToState(domain.StateTakerPublishedFeeTx),
		domain.ErrPhaseRegression,
	)
}
