// Package config carries the engine's runtime settings. Values come
// from the environment, optionally seeded from a .env file; defaults
// suit a local single-broker setup.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Topics struct {
	OrderPlaced    string
	OrderCancelled string
	TradeExecuted  string
}

type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        Topics

	// DataDir holds the pebble databases: orders/ and outbox/.
	DataDir string

	APIAddr string
}

func Default() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "matching-engine",
		Topics: Topics{
			OrderPlaced:    "orders.placed",
			OrderCancelled: "orders.cancelled",
			TradeExecuted:  "trades.executed",
		},
		DataDir: "./data",
		APIAddr: ":8084",
	}
}

// LoadFromEnv reads configuration with priority ENV > .env > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		cfg.ConsumerGroup = v
	}
	if v := os.Getenv("TOPIC_ORDER_PLACED"); v != "" {
		cfg.Topics.OrderPlaced = v
	}
	if v := os.Getenv("TOPIC_ORDER_CANCELLED"); v != "" {
		cfg.Topics.OrderCancelled = v
	}
	if v := os.Getenv("TOPIC_TRADE_EXECUTED"); v != "" {
		cfg.Topics.TradeExecuted = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}

	return cfg
}

func (c Config) OrdersDir() string { return filepath.Join(c.DataDir, "orders") }
func (c Config) OutboxDir() string { return filepath.Join(c.DataDir, "outbox") }
