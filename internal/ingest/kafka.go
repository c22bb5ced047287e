package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"scanguard/internal/config"
	"scanguard/internal/model"
)

// messageSource is the part of *kafka.Reader the consumers use. Offsets are
// committed explicitly so a message is acknowledged only after all of its
// records have been taken.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
}

// ReadKafka drains inventory from the configured topic until max_records
// have been read or no message arrives within idle_timeout. Committed
// offsets make the next call resume where this one stopped.
func ReadKafka(ctx context.Context, cfg config.KafkaConfig, parser *Parser, logger *slog.Logger) ([]model.InventoryRecord, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	reader := newKafkaReader(cfg)
	defer reader.Close()
	out, err := readInventory(ctx, reader, cfg, parser, logger)
	if err == nil && logger != nil {
		logger.Info("kafka inventory read", "topic", cfg.Topic, "records", len(out))
	}
	return out, err
}

// readInventory never splits a message: one that would push the result past
// max_records is left uncommitted for the next read. The first message is
// always taken whole, so max_records is exceeded only when a single message
// holds more rows than the limit.
func readInventory(ctx context.Context, src messageSource, cfg config.KafkaConfig, parser *Parser, logger *slog.Logger) ([]model.InventoryRecord, error) {
	if parser == nil {
		parser = NewParser()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Second
	}
	out := make([]model.InventoryRecord, 0)
	for cfg.MaxRecords <= 0 || len(out) < cfg.MaxRecords {
		fetchCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := src.FetchMessage(fetchCtx)
		idleExpired := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if idleExpired || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, err
		}
		rows, err := parser.ParseMessage(m.Value)
		if err != nil && logger != nil {
			logger.Warn("kafka parse error", "offset", m.Offset, "err", err)
		}
		records := NormalizeRows(rows, logger)
		if cfg.MaxRecords > 0 && len(out) > 0 && len(out)+len(records) > cfg.MaxRecords {
			if logger != nil {
				logger.Debug("kafka message deferred to next read", "offset", m.Offset, "records", len(records))
			}
			break
		}
		if err := src.CommitMessages(ctx, m); err != nil {
			return out, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.InventoryRecord, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	go func() {
		reader := newKafkaReader(current)
		defer reader.Close()
		streamInventory(ctx, reader, parser, out, logger)
	}()
}

// streamInventory forwards every message to out and commits it once its
// records have been handed over, retrying broker errors with backoff.
func streamInventory(ctx context.Context, src messageSource, parser *Parser, out chan<- model.InventoryRecord, logger *slog.Logger) {
	if parser == nil {
		parser = NewParser()
	}
	retry := newBackoff(200*time.Millisecond, 10*time.Second)
	for {
		m, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka fetch error", "err", err)
			}
			if !retry.Wait(ctx) {
				return
			}
			continue
		}
		retry.Reset()
		rows, err := parser.ParseMessage(m.Value)
		if err != nil && logger != nil {
			logger.Warn("kafka parse error", "offset", m.Offset, "err", err)
		}
		Deliver(ctx, out, NormalizeRows(rows, logger), logger)
		if ctx.Err() != nil {
			return
		}
		if err := src.CommitMessages(ctx, m); err != nil && logger != nil {
			logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
		}
	}
}
