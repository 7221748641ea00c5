package service

import "tradestream/domain/order"

// FanoutEmitter hands each trade to every wired emitter in turn. The
// first (durable) emitter's error aborts the match step; later
// emitters are best-effort fan-out such as the websocket stream.
type FanoutEmitter struct {
	Primary Emitter
	Taps    []func(*order.TradeExecution)
}

func (f *FanoutEmitter) Emit(t *order.TradeExecution) error {
	if err := f.Primary.Emit(t); err != nil {
		return err
	}
	for _, tap := range f.Taps {
		tap(t)
	}
	return nil
}
