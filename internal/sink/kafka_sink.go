package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Message types carried in the envelope
const (
	TypeFraudRing  = "fraud_ring"
	TypeRunSummary = "run_summary"
)

// Envelope wraps every message so consumers can dispatch on Type.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"` // unix millis
	Data json.RawMessage `json:"data"`
}

// RingAlert is one detected ring as published downstream
type RingAlert struct {
	RunID     string           `json:"runId"`
	SessionID string           `json:"sessionId"`
	Ring      models.FraudRing `json:"ring"`
}

// RunSummary closes the stream of ring alerts for one run
type RunSummary struct {
	RunID     string         `json:"runId"`
	SessionID string         `json:"sessionId"`
	Summary   models.Summary `json:"summary"`
}

// KafkaSink publishes ring alerts for case-management consumers
type KafkaSink struct {
	topic  string
	p      sarama.SyncProducer
	logger *zap.Logger
}

// NewKafkaSink dials the brokers with reliability-oriented producer settings.
func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Version = sarama.V2_1_0_0

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	logger.Info("kafka ring sink initialized", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return NewWithProducer(p, cfg.Topic, logger), nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{topic: topic, p: p, logger: logger.Named("kafka")}
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

func (s *KafkaSink) envelope(key, typ string, v any) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Envelope{Type: typ, TS: time.Now().UnixMilli(), Data: data})
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}, nil
}

// PublishReport sends one message per ring followed by the run summary.
// Messages share the run id as key, so they land on one partition in order.
func (s *KafkaSink) PublishReport(ctx context.Context, rep runner.Report) error {
	// SyncProducer cannot be interrupted; a run whose hooks timed out is dropped
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(rep.Result.FraudRings)+1)
	for _, ring := range rep.Result.FraudRings {
		msg, err := s.envelope(rep.RunID, TypeFraudRing, RingAlert{RunID: rep.RunID, SessionID: rep.SessionID, Ring: ring})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	msg, err := s.envelope(rep.RunID, TypeRunSummary, RunSummary{RunID: rep.RunID, SessionID: rep.SessionID, Summary: rep.Result.Summary})
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	if err := s.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	s.logger.Debug("rings published", zap.String("run_id", rep.RunID), zap.Int("messages", len(msgs)))
	return nil
}

// Hook adapts PublishReport to a runner completion hook.
func (s *KafkaSink) Hook() runner.Hook {
	return runner.Hook{Name: "kafka", Fn: s.PublishReport}
}
