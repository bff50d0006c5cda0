package explorer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/internal/infrastructure/explorer"
)

func TestChainHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blocks/tip/height", r.URL.Path)
		w.Write([]byte("812345\n"))
	}))
	defer server.Close()

	svc := explorer.NewService(server.URL, time.Second)
	height, err := svc.ChainHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(812345), height)
}

func TestBroadcast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tx", r.URL.Path)
		w.Write([]byte("feedfacecafebeef"))
	}))
	defer server.Close()

	svc := explorer.NewService(server.URL, time.Second)
	txID, err := svc.Broadcast(context.Background(), []byte{0x02, 0x00, 0xff})
	require.NoError(t, err)
	require.Equal(t, "feedfacecafebeef", txID)
}

func TestBroadcastRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("sendrawtransaction RPC error"))
	}))
	defer server.Close()

	svc := explorer.NewService(server.URL, time.Second)
	_, err := svc.Broadcast(context.Background(), []byte{0x02, 0x00, 0xff})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sendrawtransaction")
}

func TestListUtxosSkipsUnconfirmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/address/bcrt1qaddr/utxo", r.URL.Path)
		w.Write([]byte(`[
			{"txid":"aa","vout":0,"value":50000,"status":{"confirmed":true,"block_height":100}},
			{"txid":"bb","vout":1,"value":70000,"status":{"confirmed":false}}
		]`))
	}))
	defer server.Close()

	svc := explorer.NewService(server.URL, time.Second)
	utxos, err := svc.ListUtxos(context.Background(), "bcrt1qaddr")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, "aa", utxos[0].TxID)
	require.Equal(t, int64(50000), utxos[0].Value)
}

func TestWaitForConfirmation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/aa/status", r.URL.Path)
		w.Write([]byte(`{"confirmed":true,"block_height":812000}`))
	}))
	defer server.Close()

	svc := explorer.NewService(server.URL, time.Second)
	conf, err := svc.WaitForConfirmation(context.Background(), "aa")
	require.NoError(t, err)
	require.Equal(t, int64(812000), conf.BlockHeight)
}
