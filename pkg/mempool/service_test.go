package mempool_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/bisq-network/trade-engine/pkg/mempool"
)

func snapshotServer(t *testing.T, txID, jsonTxt string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/"+txID, r.URL.Path)
		w.Write([]byte(jsonTxt))
	}))
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func notFoundServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestProviderRotationReachesLastProvider(t *testing.T) {
	const txID = "rotatetx"
	json := btcTx(txID, 100_000, feeReceiver, 650_000)

	bad1 := failingServer(t)
	defer bad1.Close()
	bad2 := failingServer(t)
	defer bad2.Close()
	good := snapshotServer(t, txID, json)
	defer good.Close()

	svc := mempool.NewService(newFakeDao(), []string{bad1.URL, bad2.URL, good.URL})
	got, err := svc.GetTxDetails(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, json, got)

	// the failed providers were dropped from the rotation
	require.Equal(t, []string{good.URL}, svc.Providers())
}

func TestAllProvidersFailingYieldsNotFoundOnce(t *testing.T) {
	const txID = "lost"
	bad := failingServer(t)
	defer bad.Close()
	notFound := notFoundServer(t)
	defer notFound.Close()

	svc := mempool.NewService(newFakeDao(), []string{bad.URL, notFound.URL})
	v := svc.ValidateTakerFeeTx(
		context.Background(), txID, btcutil.Amount(100_000_000), btcFeeReceivers,
		mempool.FilterFees{})

	require.True(t, v.IsFail())
	// exactly one fail reason was recorded for the missing tx
	require.Len(t, v.Errors(), 1)
	require.Contains(t, v.String(), "not found")
}

func TestProviderExhaustionBypassesValidation(t *testing.T) {
	const txID = "unreachable"
	bad := failingServer(t)
	defer bad.Close()

	svc := mempool.NewService(newFakeDao(), []string{bad.URL})
	v := svc.ValidateMakerFeeTx(
		context.Background(), txID, btcutil.Amount(100_000_000), true, btcFeeReceivers,
		mempool.FilterFees{})

	// no provider could answer: the check is bypassed, not failed
	require.True(t, v.Result())
}

func TestDisabledValidationBypasses(t *testing.T) {
	svc := mempool.NewService(newFakeDao(), nil, mempool.Disabled())
	v := svc.ValidateMakerFeeTx(
		context.Background(), "any", btcutil.Amount(100_000_000), true, btcFeeReceivers,
		mempool.FilterFees{})
	require.True(t, v.Result())
}

func TestFilterFeesReachValidator(t *testing.T) {
	const txID = "filtered"
	// 45_000 sats is below 95% of the expected 100_000 but above 0.7 of
	// the filter-published 60_000 rate
	json := btcTx(txID, 45_000, feeReceiver, 650_000)
	server := snapshotServer(t, txID, json)
	defer server.Close()

	svc := mempool.NewService(newFakeDao(), []string{server.URL})
	v := svc.ValidateMakerFeeTx(
		context.Background(), txID, btcutil.Amount(100_000_000), true, btcFeeReceivers,
		mempool.FilterFees{MakerFeeRate: 60_000, TakerFeeRate: 60_000})
	require.True(t, v.Result(), v.String())

	// without the filter rates the same fee is rejected
	svc = mempool.NewService(newFakeDao(), []string{server.URL})
	v = svc.ValidateMakerFeeTx(
		context.Background(), txID, btcutil.Amount(100_000_000), true, btcFeeReceivers,
		mempool.FilterFees{})
	require.True(t, v.IsFail())
}

func TestValidateMakerFeeTxEndToEnd(t *testing.T) {
	const txID = "endtoend"
	json := btcTx(txID, 96_000, feeReceiver, 650_000)
	server := snapshotServer(t, txID, json)
	defer server.Close()

	svc := mempool.NewService(newFakeDao(), []string{server.URL})
	v := svc.ValidateMakerFeeTx(
		context.Background(), txID, btcutil.Amount(100_000_000), true, btcFeeReceivers,
		mempool.FilterFees{})
	require.True(t, v.Result(), v.String())
}
