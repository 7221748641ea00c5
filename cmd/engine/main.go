package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tradestream/api"
	"tradestream/config"
	"tradestream/domain/order"
	"tradestream/infra/kafka"
	"tradestream/infra/outbox"
	"tradestream/infra/store"
	"tradestream/jobs/broadcaster"
	"tradestream/logging"
	"tradestream/service"
)

func main() {
	cfg := config.LoadFromEnv("")

	log, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("engine exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	orders, err := store.Open(cfg.OrdersDir())
	if err != nil {
		return err
	}
	defer orders.Close()

	box, err := outbox.Open(cfg.OutboxDir())
	if err != nil {
		return err
	}
	defer box.Close()

	emitter := &service.FanoutEmitter{Primary: &outbox.Emitter{Box: box}}
	svc := service.NewMatchingService(orders, emitter, log.Named("engine"))

	// Warm start must finish before any event is accepted.
	if err := svc.Recover(); err != nil {
		return err
	}

	srv := api.NewServer(svc, orders, log.Named("api"))
	emitter.Taps = append(emitter.Taps, func(t *order.TradeExecution) {
		if payload, err := json.Marshal(t); err == nil {
			srv.Hub().Broadcast(payload)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bc, err := broadcaster.New(box, cfg.Brokers, cfg.Topics.TradeExecuted, log.Named("broadcaster"))
	if err != nil {
		return err
	}
	defer bc.Close()
	bc.Start(ctx)

	dlq := kafka.NewDLQWriter(cfg.Brokers, log.Named("dlq"))
	defer dlq.Close()

	intake := log.Named("intake")
	placed := kafka.NewPlacedConsumer(cfg.Brokers, cfg.ConsumerGroup, cfg.Topics.OrderPlaced, svc, orders, dlq, intake)
	cancelled := kafka.NewCancelledConsumer(cfg.Brokers, cfg.ConsumerGroup, cfg.Topics.OrderCancelled, svc, orders, dlq, intake)

	errc := make(chan error, 3)
	go func() { errc <- placed.Run(ctx) }()
	go func() { errc <- cancelled.Run(ctx) }()
	go func() { errc <- srv.Start(cfg.APIAddr) }()

	log.Info("matching engine up",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("order_placed", cfg.Topics.OrderPlaced),
		zap.String("order_cancelled", cfg.Topics.OrderCancelled),
		zap.String("trade_executed", cfg.Topics.TradeExecuted))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		// One last drain so trades matched before shutdown reach Kafka.
		bc.DrainOnce()
		return nil
	case err := <-errc:
		return err
	}
}
