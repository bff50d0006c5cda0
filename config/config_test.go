package config

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func TestGetNetwork(t *testing.T) {
	tests := []struct {
		name string
		want *chaincfg.Params
	}{
		{"mainnet", &chaincfg.MainNetParams},
		{"testnet", &chaincfg.TestNet3Params},
		{"regtest", &chaincfg.RegressionNetParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Set(NetworkKey, tt.name)
			if got := GetNetwork(); got != tt.want {
				t.Errorf("GetNetwork() = %s, want %s", got.Name, tt.want.Name)
			}
		})
	}
}

func TestGetStringSlice(t *testing.T) {
	Set(MempoolProvidersKey, "https://a/api, https://b/api,")
	got := GetStringSlice(MempoolProvidersKey)
	if len(got) != 2 || got[0] != "https://a/api" || got[1] != "https://b/api" {
		t.Errorf("GetStringSlice() = %v", got)
	}
}
