package service

import (
	"fmt"

	"go.uber.org/zap"
)

// Recover performs the warm start: every durably stored ACTIVE or
// PARTIALLY_FILLED order is loaded back into its instrument's book.
// It must run to completion before any event is accepted; a partial
// warm start is worse than none.
func (s *MatchingService) Recover() error {
	orders, err := s.store.FindAllActive()
	if err != nil {
		return fmt.Errorf("recovery: fetch active orders: %w", err)
	}
	s.LoadActiveOrders(orders)
	s.log.Info("warm start complete", zap.Int("orders", len(orders)))
	return nil
}
