package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DatadirKey is the local data directory storing the daemon state
	DatadirKey = "DATA_DIR_PATH"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// NetworkKey is the Bitcoin network to use. One of "mainnet", "testnet" or "regtest"
	NetworkKey = "NETWORK"
	// NodeAddressKey is the host:port this node advertises to trading peers
	NodeAddressKey = "NODE_ADDRESS"
	// P2PListenAddressKey is the local address the peer transport binds to
	P2PListenAddressKey = "P2P_LISTEN_ADDRESS"
	// MempoolProvidersKey is the comma-separated list of explorer base URLs
	// rotated through when validating trade fee transactions
	MempoolProvidersKey = "MEMPOOL_PROVIDERS"
	// NoFeeValidationKey skips trade fee validation against the mempool
	// providers entirely. Meant for regtest setups without an explorer
	NoFeeValidationKey = "NO_FEE_VALIDATION"
	// ExplorerEndpointKey is the esplora REST API used for broadcasting and
	// funding lookups
	ExplorerEndpointKey = "EXPLORER_ENDPOINT"
	// ExplorerRequestTimeoutKey are the milliseconds to wait for HTTP responses before timeouts
	ExplorerRequestTimeoutKey = "EXPLORER_REQUEST_TIMEOUT"
	// DonationAddressesKey is the comma-separated list of valid donation
	// addresses accepted as redirect transaction destinations
	DonationAddressesKey = "DONATION_ADDRESSES"

	DbLocation   = "db"
	KeysLocation = "keys"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("trade-engine", false)

func init() {
	vip = viper.New()
	vip.SetEnvPrefix("TRADE")
	vip.AutomaticEnv()

	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(NetworkKey, "mainnet")
	vip.SetDefault(NodeAddressKey, "127.0.0.1:9999")
	vip.SetDefault(P2PListenAddressKey, "0.0.0.0:9999")
	vip.SetDefault(MempoolProvidersKey, strings.Join([]string{
		"https://mempool.space/api",
		"https://mempool.emzy.de/api",
	}, ","))
	vip.SetDefault(NoFeeValidationKey, false)
	vip.SetDefault(ExplorerEndpointKey, "https://blockstream.info/api")
	vip.SetDefault(ExplorerRequestTimeoutKey, 15000)
	vip.SetDefault(DonationAddressesKey, "")

	if err := validate(); err != nil {
		log.WithError(err).Panic("error while validating config")
	}

	if err := initDatadir(); err != nil {
		log.WithError(err).Panic("error while creating datadir")
	}
}

//GetString ...
func GetString(key string) string {
	return vip.GetString(key)
}

//GetInt ...
func GetInt(key string) int {
	return vip.GetInt(key)
}

//GetDuration ...
func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

//GetBool ...
func GetBool(key string) bool {
	return vip.GetBool(key)
}

// GetStringSlice splits a comma-separated value, dropping empty entries.
func GetStringSlice(key string) []string {
	var values []string
	for _, v := range strings.Split(vip.GetString(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

//GetNetwork ...
func GetNetwork() *chaincfg.Params {
	switch vip.GetString(NetworkKey) {
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.MainNetParams
	}
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

// Set a value for the given key
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

// IsSet returns whether the give key is set
func IsSet(key string) bool {
	return vip.IsSet(key)
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("datadir must not be null")
	}

	networkName := GetString(NetworkKey)
	if networkName != "mainnet" && networkName != "testnet" &&
		networkName != "regtest" {
		return fmt.Errorf(
			"network must be one of 'mainnet', 'testnet' or 'regtest'",
		)
	}

	if len(GetStringSlice(MempoolProvidersKey)) == 0 && !GetBool(NoFeeValidationKey) {
		return fmt.Errorf(
			"at least one mempool provider is required unless fee validation is disabled",
		)
	}
	for _, provider := range GetStringSlice(MempoolProvidersKey) {
		if _, err := url.Parse(provider); err != nil {
			return fmt.Errorf("mempool provider is not a valid url: %s", err)
		}
	}

	explorerEndpoint := GetString(ExplorerEndpointKey)
	if _, err := url.Parse(explorerEndpoint); err != nil {
		return fmt.Errorf("explorer endpoint is not a valid url: %s", err)
	}
	return nil
}

func initDatadir() error {
	datadir := GetDatadir()
	if err := makeDirectoryIfNotExists(filepath.Join(datadir, DbLocation)); err != nil {
		return err
	}
	return makeDirectoryIfNotExists(filepath.Join(datadir, KeysLocation))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
