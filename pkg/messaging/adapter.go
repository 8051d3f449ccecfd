package messaging

import (
	"context"
	"sync"

	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// Dispatcher fans messages from several channels of one Broker out to handlers.
type Dispatcher struct {
	broker Broker
	log    *logger.Logger
	wg     sync.WaitGroup
}

func NewDispatcher(broker Broker, log *logger.Logger) *Dispatcher {
	return &Dispatcher{broker: broker, log: log}
}

// Handle subscribes to channel and runs handler for each message until ctx
// is cancelled. Handler errors are logged and do not stop the subscription.
func (d *Dispatcher) Handle(ctx context.Context, channel string, handler Handler) error {
	msgChan, err := d.broker.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range msgChan {
			if err := handler(ctx, msg); err != nil {
				d.log.Error(err, "message handler failed", "channel", channel)
			}
		}
	}()

	return nil
}

// Wait blocks until every subscription has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Close() error {
	return d.broker.Close()
}
