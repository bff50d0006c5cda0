package dao

import (
	"sync"

	"github.com/bisq-network/trade-engine/internal/core/ports"
)

// FilterServiceImpl holds the operator filter currently in force. The
// filter arrives out of band (operator-signed broadcast in the full
// network); a nil filter means no restrictions.
type FilterServiceImpl struct {
	mtx    sync.RWMutex
	filter *ports.Filter
}

func NewFilterService(filter *ports.Filter) *FilterServiceImpl {
	return &FilterServiceImpl{filter: filter}
}

func (s *FilterServiceImpl) Get() *ports.Filter {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.filter
}

// Update replaces the filter in force. Passing nil lifts all
// restrictions.
func (s *FilterServiceImpl) Update(filter *ports.Filter) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.filter = filter
}

var _ ports.FilterService = (*FilterServiceImpl)(nil)
