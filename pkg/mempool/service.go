package mempool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	// maxOutstandingRequests caps the concurrent load we put on the
	// third-party explorers.
	maxOutstandingRequests = 5

	requestTimeout = 30 * time.Second
)

var (
	// ErrTxNotFound means a provider answered and does not know the tx.
	ErrTxNotFound = errors.New("mempool: tx not found")
	// ErrProvidersExhausted means every configured provider failed to
	// answer.
	ErrProvidersExhausted = errors.New("mempool: all providers exhausted")
	// ErrValidationDisabled ...
	ErrValidationDisabled = errors.New("mempool: validation disabled")
)

// Service queries third-party block-explorer providers for transaction
// snapshots and runs fee validations against them. Providers that fail are
// dropped from the rotation; when none remain, or when validation is
// disabled by operator config or governance filter, fee checks fall through
// to a bypass pass-result.
type Service struct {
	dao        DaoStateProvider
	httpClient *http.Client
	disabled   bool

	mtx       sync.Mutex
	providers []string
	breakers  map[string]*gobreaker.CircuitBreaker

	sem chan struct{}
}

type ServiceOption func(*Service)

// WithHTTPClient overrides the default HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) { s.httpClient = client }
}

// Disabled turns every fee check into a bypass pass-result.
func Disabled() ServiceOption {
	return func(s *Service) { s.disabled = true }
}

// NewService returns a mempool service over a rotating list of explorer
// base URLs, e.g. "https://mempool.space/api".
func NewService(dao DaoStateProvider, providers []string, opts ...ServiceOption) *Service {
	s := &Service{
		dao:        dao,
		httpClient: &http.Client{Timeout: requestTimeout},
		providers:  append([]string{}, providers...),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		sem:        make(chan struct{}, maxOutstandingRequests),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, provider := range s.providers {
		s.breakers[provider] = newBreaker(provider)
	}
	return s
}

// GetTxDetails fetches the explorer JSON snapshot for txID, rotating
// through providers on failure. A provider that answers with 404 settles
// the question: the tx is unknown and no further provider is asked.
func (s *Service) GetTxDetails(ctx context.Context, txID string) (string, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	for {
		provider, breaker, ok := s.currentProvider()
		if !ok {
			return "", ErrProvidersExhausted
		}

		result, err := breaker.Execute(func() (interface{}, error) {
			return s.fetch(ctx, provider, txID)
		})
		if err == nil {
			return result.(string), nil
		}
		if errors.Is(err, ErrTxNotFound) {
			return "", ErrTxNotFound
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warnf("mempool provider %s failed (%v), rotating to next", provider, err)
		s.removeProvider(provider)
	}
}

// FilterFees carries governance-filter published fee override rates for
// the fee currency being checked. Zero values mean no override is in
// force and the filter leniency branch stays inert.
type FilterFees struct {
	MakerFeeRate btcutil.Amount
	TakerFeeRate btcutil.Amount
}

// ValidateMakerFeeTx fetches the maker fee tx and validates it. On
// provider exhaustion or disabled validation the returned validator is a
// bypass pass-result.
func (s *Service) ValidateMakerFeeTx(
	ctx context.Context, txID string, amount btcutil.Amount,
	isFeeCurrencyBtc bool, btcFeeReceivers []string, filterFees FilterFees,
) *TxValidator {
	isBtc := isFeeCurrencyBtc
	validator := NewTxValidator(s.dao, txID, amount, &isBtc).
		WithFilterFees(filterFees.MakerFeeRate, filterFees.TakerFeeRate)
	s.runValidation(ctx, validator, func(jsonTxt string) {
		validator.ValidateMakerFeeTx(jsonTxt, btcFeeReceivers)
	})
	return validator
}

// ValidateTakerFeeTx fetches the taker fee tx and validates it, inferring
// the fee currency when unknown.
func (s *Service) ValidateTakerFeeTx(
	ctx context.Context, txID string, amount btcutil.Amount,
	btcFeeReceivers []string, filterFees FilterFees,
) *TxValidator {
	validator := NewTxValidator(s.dao, txID, amount, nil).
		WithFilterFees(filterFees.MakerFeeRate, filterFees.TakerFeeRate)
	s.runValidation(ctx, validator, func(jsonTxt string) {
		validator.ValidateTakerFeeTx(jsonTxt, btcFeeReceivers)
	})
	return validator
}

func (s *Service) runValidation(ctx context.Context, validator *TxValidator, validate func(jsonTxt string)) {
	if s.disabled {
		log.Debug("mempool validation disabled, bypassing fee check")
		return
	}
	jsonTxt, err := s.GetTxDetails(ctx, validator.TxID())
	switch {
	case err == nil:
		validate(jsonTxt)
	case errors.Is(err, ErrTxNotFound):
		validator.FailWith(fmt.Sprintf("tx %s not found by any provider", validator.TxID()))
	default:
		// no provider could answer; failing the trade on our own outage
		// would punish the peer, so the check is bypassed
		log.Warnf("fee validation for %s bypassed: %v", validator.TxID(), err)
	}
}

func (s *Service) currentProvider() (string, *gobreaker.CircuitBreaker, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.providers) == 0 {
		return "", nil, false
	}
	provider := s.providers[0]
	return provider, s.breakers[provider], true
}

func (s *Service) removeProvider(provider string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, p := range s.providers {
		if p == provider {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			break
		}
	}
}

// Providers returns the providers still in rotation.
func (s *Service) Providers() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string{}, s.providers...)
}

func (s *Service) fetch(ctx context.Context, provider, txID string) (string, error) {
	url := fmt.Sprintf("%s/tx/%s", provider, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return string(body), nil
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrTxNotFound
	default:
		return "", fmt.Errorf("provider %s: status %d", provider, resp.StatusCode)
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 10 && ratio >= 0.6
		},
	})
}
