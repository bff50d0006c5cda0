package explorer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bisq-network/trade-engine/internal/core/ports"
)

const (
	// pollInterval is how often a watched transaction is re-checked for
	// its first confirmation.
	pollInterval = 30 * time.Second

	// requestsPerSecond throttles calls against the public esplora
	// instance so we stay under its limits.
	requestsPerSecond = 4
)

// Utxo is one spendable output of a watched address.
type Utxo struct {
	TxID  string
	Vout  uint32
	Value int64
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type utxoJSON struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Value  int64    `json:"value"`
	Status txStatus `json:"status"`
}

// Service talks to an esplora REST API. It observes the chain for the
// protocol, broadcasts trade transactions and feeds the funding wallet
// with unspents.
type Service struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewService returns an esplora-backed chain observer and broadcaster for
// the given REST API base URL, e.g. "https://blockstream.info/api".
func NewService(apiURL string, requestTimeout time.Duration) *Service {
	return &Service{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

func (e *Service) ChainHeight(ctx context.Context) (int64, error) {
	resp, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(resp), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chain tip: %w", err)
	}
	return height, nil
}

func (e *Service) WaitForConfirmation(
	ctx context.Context, txID string,
) (*ports.TxConfirmation, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := e.get(ctx, fmt.Sprintf("/tx/%s/status", txID))
		if err == nil {
			var status txStatus
			if err := json.Unmarshal([]byte(resp), &status); err != nil {
				return nil, fmt.Errorf("parse tx status: %w", err)
			}
			if status.Confirmed {
				return &ports.TxConfirmation{
					TxID:        txID,
					BlockHeight: status.BlockHeight,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Broadcast submits a raw serialized transaction and returns its txid.
func (e *Service) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return e.request(ctx, http.MethodPost, "/tx", hex.EncodeToString(rawTx))
}

// ListUtxos returns the confirmed unspent outputs of an address.
func (e *Service) ListUtxos(ctx context.Context, address string) ([]Utxo, error) {
	resp, err := e.get(ctx, fmt.Sprintf("/address/%s/utxo", address))
	if err != nil {
		return nil, err
	}
	var raw []utxoJSON
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("parse utxos: %w", err)
	}
	utxos := make([]Utxo, 0, len(raw))
	for _, u := range raw {
		if !u.Status.Confirmed {
			continue
		}
		utxos = append(utxos, Utxo{TxID: u.TxID, Vout: u.Vout, Value: u.Value})
	}
	return utxos, nil
}

// TransactionHex fetches the raw hex of a known transaction.
func (e *Service) TransactionHex(ctx context.Context, txID string) (string, error) {
	return e.get(ctx, fmt.Sprintf("/tx/%s/hex", txID))
}

func (e *Service) get(ctx context.Context, path string) (string, error) {
	return e.request(ctx, http.MethodGet, path, "")
}

func (e *Service) request(ctx context.Context, method, path, body string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, method, e.apiURL+path, strings.NewReader(body),
	)
	if err != nil {
		return "", err
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("esplora %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return string(respBody), nil
}

var _ ports.BlockchainService = (*Service)(nil)
