package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bisq-network/trade-engine/config"
	"github.com/bisq-network/trade-engine/internal/core/application"
	"github.com/bisq-network/trade-engine/internal/core/protocol"
	"github.com/bisq-network/trade-engine/internal/infrastructure/dao"
	"github.com/bisq-network/trade-engine/internal/infrastructure/explorer"
	"github.com/bisq-network/trade-engine/internal/infrastructure/p2p"
	dbbadger "github.com/bisq-network/trade-engine/internal/infrastructure/storage/db/badger"
	"github.com/bisq-network/trade-engine/internal/infrastructure/wallet"
	"github.com/bisq-network/trade-engine/pkg/crypto"
	"github.com/bisq-network/trade-engine/pkg/mempool"
)

// chainPollInterval drives the governance state's view of the chain tip.
const chainPollInterval = time.Minute

func main() {
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	datadir := config.GetDatadir()
	keysDir := filepath.Join(datadir, config.KeysLocation)

	keyRing, err := crypto.NewKeyRing(keysDir)
	if err != nil {
		log.WithError(err).Panic("error while loading key ring")
	}
	walletKey, err := crypto.LoadOrCreateWalletKey(keysDir)
	if err != nil {
		log.WithError(err).Panic("error while loading wallet key")
	}

	dbManager, err := dbbadger.NewDbManager(filepath.Join(datadir, config.DbLocation), nil)
	if err != nil {
		log.WithError(err).Panic("error while opening db")
	}
	defer dbManager.Close()
	tradeRepository := dbbadger.NewTradeRepositoryImpl(dbManager)

	chain := explorer.NewService(
		config.GetString(config.ExplorerEndpointKey),
		time.Duration(config.GetInt(config.ExplorerRequestTimeoutKey))*time.Millisecond,
	)

	net := config.GetNetwork()
	funding, err := wallet.NewSingleKeyWallet(net, walletKey, utxoSource{chain})
	if err != nil {
		log.WithError(err).Panic("error while setting up funding wallet")
	}
	walletSvc := wallet.NewService(net, funding, chain)

	donationAddresses := config.GetStringSlice(config.DonationAddressesKey)
	if len(donationAddresses) == 0 {
		donationAddresses = dao.MainnetDonationAddresses()
	}
	daoState := dao.NewStateService(donationAddresses, dao.MainnetParamSchedule())
	filter := dao.NewFilterService(nil)

	mempoolOpts := []mempool.ServiceOption{}
	if config.GetBool(config.NoFeeValidationKey) {
		log.Warn("fee validation is disabled")
		mempoolOpts = append(mempoolOpts, mempool.Disabled())
	}
	mempoolSvc := mempool.NewService(
		daoState, config.GetStringSlice(config.MempoolProvidersKey), mempoolOpts...,
	)

	transport := p2p.NewService(
		config.GetString(config.P2PListenAddressKey),
		config.GetString(config.NodeAddressKey),
		keyRing,
	)

	manager := application.NewTradeManager(
		tradeRepository,
		&protocol.Services{
			Wallet:  walletSvc,
			Dao:     daoState,
			Filter:  filter,
			Chain:   chain,
			Mempool: mempoolSvc,
			P2P:     transport,
			KeyRing: keyRing,
		},
		config.GetString(config.NodeAddressKey),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Panic("error while starting trade manager")
	}
	defer manager.Stop()
	go pollChainTip(ctx, chain, daoState)

	log.Info("trade engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down")
}

// pollChainTip keeps the governance state synced with the chain tip seen
// by the explorer.
func pollChainTip(ctx context.Context, chain *explorer.Service, daoState *dao.StateService) {
	ticker := time.NewTicker(chainPollInterval)
	defer ticker.Stop()

	for {
		height, err := chain.ChainHeight(ctx)
		if err != nil {
			log.WithError(err).Warn("chain tip lookup failed")
		} else {
			daoState.ApplyBlock(height)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// utxoSource adapts the explorer's unspent listing to the funding wallet.
type utxoSource struct {
	explorer *explorer.Service
}

func (u utxoSource) ListUtxos(ctx context.Context, address string) ([]wallet.Utxo, error) {
	utxos, err := u.explorer.ListUtxos(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]wallet.Utxo, 0, len(utxos))
	for _, utxo := range utxos {
		out = append(out, wallet.Utxo{TxID: utxo.TxID, Vout: utxo.Vout, Value: utxo.Value})
	}
	return out, nil
}
