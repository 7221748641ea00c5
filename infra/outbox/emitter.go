package outbox

import (
	"encoding/json"
	"fmt"

	"tradestream/domain/order"
)

// Emitter is the engine-facing side of the outbox: it turns a trade
// execution into a durable pending record keyed by instrument, so the
// downstream partition ordering per instrument is preserved when the
// broadcaster publishes it.
type Emitter struct {
	Box *Outbox
}

func (e *Emitter) Emit(t *order.TradeExecution) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("outbox: encode trade %s: %w", t.TradeID, err)
	}
	_, err = e.Box.Put([]byte(t.Instrument), payload)
	return err
}
