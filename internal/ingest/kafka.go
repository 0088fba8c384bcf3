package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

func StartKafka(ctx context.Context, cfg *config.Manager, joins chan<- model.JoinEvent, answers chan<- model.AnswerEvent, messages chan<- model.MessageEvent, logger *slog.Logger) {
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
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			join, answer, message, err := DecodeEvent(m.Value, "kafka")
			if err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "err", err)
				}
				continue
			}
			if join != nil {
				SendJoinNonBlocking(ctx, joins, *join, logger)
			}
			if answer != nil {
				SendAnswerNonBlocking(ctx, answers, *answer, logger)
			}
			if message != nil {
				SendMessageNonBlocking(ctx, messages, *message, logger)
			}
		}
	}()
}
