package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/core/application"
	"github.com/bisq-network/trade-engine/internal/core/domain"
	"github.com/bisq-network/trade-engine/internal/core/ports"
	"github.com/bisq-network/trade-engine/internal/core/protocol"
	"github.com/bisq-network/trade-engine/internal/infrastructure/storage/inmemory"
	"github.com/bisq-network/trade-engine/pkg/crypto"
	"github.com/bisq-network/trade-engine/pkg/mempool"
)

type fakeWallet struct {
	mtx       sync.Mutex
	txCounter int
	published []string
}

func (w *fakeWallet) nextTx(prefix string) *ports.Transaction {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.txCounter++
	id := fmt.Sprintf("%s-%d", prefix, w.txCounter)
	return &ports.Transaction{TxID: id, Raw: []byte(id)}
}

func (w *fakeWallet) NewMultiSigPubKey(context.Context, string) ([]byte, error) {
	return []byte{0x02, 0xaa}, nil
}

func (w *fakeWallet) NewAddress(context.Context) (string, error) {
	return "bc1qfakeaddress", nil
}

func (w *fakeWallet) SelectInputs(
	_ context.Context, _ string, amount btcutil.Amount,
) ([]domain.RawInput, int64, string, error) {
	return []domain.RawInput{
		{ParentTxID: "feedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeed", Index: 0, Value: int64(amount) + 10_000},
	}, 10_000, "bc1qchange", nil
}

func (w *fakeWallet) CreateFeeTx(
	context.Context, string, btcutil.Amount, string, bool,
) (*ports.Transaction, error) {
	return w.nextTx("fee"), nil
}

func (w *fakeWallet) CreateUnsignedDepositTx(context.Context, ports.DepositTxParams) (*ports.Transaction, error) {
	return w.nextTx("deposit"), nil
}

func (w *fakeWallet) CreateWarningTx(context.Context, ports.WarningTxParams) (*ports.Transaction, error) {
	return w.nextTx("warning"), nil
}

func (w *fakeWallet) CreateRedirectTx(context.Context, ports.RedirectTxParams) (*ports.Transaction, error) {
	return w.nextTx("redirect"), nil
}

func (w *fakeWallet) CreatePayoutTx(context.Context, ports.PayoutTxParams) (*ports.Transaction, error) {
	return w.nextTx("payout"), nil
}

func (w *fakeWallet) CreateSwapTx(context.Context, ports.SwapTxParams) (*ports.Transaction, error) {
	return w.nextTx("swap"), nil
}

func (w *fakeWallet) SignEscrowSpend(context.Context, string, ports.EscrowSpendInfo) ([]byte, error) {
	return []byte("sig"), nil
}

func (w *fakeWallet) VerifyEscrowSignature(context.Context, ports.EscrowSpendInfo, []byte, []byte) error {
	return nil
}

func (w *fakeWallet) FinalizeEscrowSpend(
	_ context.Context, spend ports.EscrowSpendInfo, _, _ []byte,
) (*ports.Transaction, error) {
	return &ports.Transaction{TxID: "finalized", Raw: spend.Tx}, nil
}

func (w *fakeWallet) SignDepositInputs(
	_ context.Context, _ string, rawTx []byte, _ []domain.RawInput,
) ([]byte, error) {
	return rawTx, nil
}

func (w *fakeWallet) PublishTransaction(_ context.Context, rawTx []byte) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.published = append(w.published, string(rawTx))
	return string(rawTx), nil
}

type fakeDao struct{}

func (fakeDao) ChainHeight() int64 { return 700_000 }
func (fakeDao) ParamValue(p mempool.Param, _ int64) btcutil.Amount {
	return p.GenesisDefault()
}
func (fakeDao) ParamChangeList(mempool.Param) []btcutil.Amount { return nil }
func (fakeDao) IsSynced() bool { return true }
func (fakeDao) DonationAddresses() []string { return []string{"bc1qdonation"} }

type fakeFilter struct{}

func (fakeFilter) Get() *ports.Filter { return nil }

type fakeChain struct{}

func (fakeChain) ChainHeight(context.Context) (int64, error) { return 700_000, nil }
func (fakeChain) WaitForConfirmation(_ context.Context, txID string) (*ports.TxConfirmation, error) {
	return &ports.TxConfirmation{TxID: txID, BlockHeight: 700_001}, nil
}

type fakeP2P struct {
	mtx  sync.Mutex
	sent [][]byte
}

func (p *fakeP2P) SendMessage(_ context.Context, _ string, _, payload []byte) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.sent = append(p.sent, payload)
	return nil
}

func (p *fakeP2P) SendMailboxMessage(ctx context.Context, to string, key, payload []byte) error {
	return p.SendMessage(ctx, to, key, payload)
}

func (p *fakeP2P) OnMessage(ports.MessageHandler) {}
func (p *fakeP2P) Start(context.Context) error { return nil }
func (p *fakeP2P) Stop() {}

func (p *fakeP2P) sentCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.sent)
}

type fixture struct {
	manager application.TradeManager
	repo    domain.TradeRepository
	wallet  *fakeWallet
	p2p     *fakeP2P
	keyRing *crypto.KeyRing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keyRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	w := &fakeWallet{}
	p := &fakeP2P{}
	repo := inmemory.NewTradeRepositoryImpl()
	manager := application.NewTradeManager(repo, &protocol.Services{
		Wallet:  w,
		Dao:     fakeDao{},
		Filter:  fakeFilter{},
		Chain:   fakeChain{},
		Mempool: mempool.NewService(fakeDao{}, nil, mempool.Disabled()),
		P2P:     p,
		KeyRing: keyRing,
	}, "127.0.0.1:9999")
	return &fixture{manager: manager, repo: repo, wallet: w, p2p: p, keyRing: keyRing}
}

func newOffer(id string) application.Offer {
	return application.Offer{
		ID:              id,
		Amount:          1_000_000,
		Price:           decimal.NewFromInt(40_000),
		PaymentMethodID: "SEPA",
	}
}

func TestTakeOfferStartsTakerTrade(t *testing.T) {
	f := newFixture(t)
	makerRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	trade, err := f.manager.TakeOffer(
		context.Background(), newOffer("offer-1"), true,
		"maker.example:9999", makerRing.PubKeyRing(),
	)
	require.NoError(t, err)
	require.Equal(t, domain.RoleBuyerAsTaker, trade.Role)
	require.NotEmpty(t, trade.TakerFeeTxID)
	require.Equal(t, 1, f.p2p.sentCount())

	stored, err := f.manager.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Equal(t, trade.TakerFeeTxID, stored.TakerFeeTxID)
}

func TestTakeOfferRequiresMakerKeyRing(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.TakeOffer(
		context.Background(), newOffer("offer-1"), true,
		"maker.example:9999", crypto.PubKeyRing{},
	)
	require.ErrorIs(t, err, domain.ErrPeerPubKeyRingNotSet)
}

func takeOfferRequest(takerRing *crypto.KeyRing, offerID string) *protocol.TakeOfferRequest {
	return &protocol.TakeOfferRequest{
		OfferID:          offerID,
		TakerNonce:       "cafe0123",
		Amount:           1_000_000,
		Price:            decimal.NewFromInt(40_000),
		PaymentMethodID:  "SEPA",
		IsFeeCurrencyBtc: true,
		TakerFee:         150_000,
		TakerFeeTxID:     "taker-fee-tx",
		TakerNodeAddress: "taker.example:9999",
		TakerPubKeyRing:  takerRing.PubKeyRing(),
	}
}

func TestTakeOfferRequestConsumesOpenOffer(t *testing.T) {
	f := newFixture(t)
	takerRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	f.manager.AddOpenOffer(newOffer("offer-2"))

	registry := f.manager.(protocol.Registry)
	msg := takeOfferRequest(takerRing, "offer-2")
	registry.OnTakeOfferRequest(
		context.Background(), msg, "taker.example:9999",
		takerRing.PubKeyRing().SignaturePubKey,
	)

	trades, err := f.manager.ListTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, domain.RoleSellerAsMaker, trades[0].Role)
	require.False(t, trades[0].HasFailed())

	// the offer is gone, a racing second taker creates no trade
	registry.OnTakeOfferRequest(
		context.Background(), msg, "other.example:9999",
		takerRing.PubKeyRing().SignaturePubKey,
	)
	trades, err = f.manager.ListTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestTakeOfferRequestUnknownOfferIgnored(t *testing.T) {
	f := newFixture(t)
	takerRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	registry := f.manager.(protocol.Registry)
	registry.OnTakeOfferRequest(
		context.Background(), takeOfferRequest(takerRing, "nope"),
		"taker.example:9999", takerRing.PubKeyRing().SignaturePubKey,
	)

	trades, err := f.manager.ListTrades(context.Background())
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestCompleteTradeRequiresPublishedPayout(t *testing.T) {
	f := newFixture(t)
	makerRing, err := crypto.NewEphemeralKeyRing()
	require.NoError(t, err)

	trade, err := f.manager.TakeOffer(
		context.Background(), newOffer("offer-3"), true,
		"maker.example:9999", makerRing.PubKeyRing(),
	)
	require.NoError(t, err)

	err = f.manager.CompleteTrade(context.Background(), trade.ID)
	require.ErrorIs(t, err, application.ErrTradeNotCompletable)

	err = f.repo.UpdateTrade(context.Background(), trade.ID,
		func(tr *domain.Trade, pm *domain.ProtocolModel) (*domain.Trade, *domain.ProtocolModel, error) {
			if err := tr.ToState(domain.StateBuyerReceivedPayoutTx); err != nil {
				return nil, nil, err
			}
			return tr, pm, nil
		},
	)
	require.NoError(t, err)

	require.NoError(t, f.manager.CompleteTrade(context.Background(), trade.ID))

	stored, err := f.manager.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateWithdrawCompleted, stored.State)

	// the executor is released, payment actions no longer route
	err = f.manager.ConfirmPaymentReceived(context.Background(), trade.ID)
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}

func TestConfirmPaymentUnknownTrade(t *testing.T) {
	f := newFixture(t)
	err := f.manager.ConfirmPaymentStarted(context.Background(), "missing", "ref", "")
	require.ErrorIs(t, err, domain.ErrTradeNotFound)
}
