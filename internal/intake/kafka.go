// Package intake adapts the teacher's Kafka consumer/producer idiom
// (internal/processor/transaction_processor.go) from the stablecoin
// ledger's balance-processing loop into a durable alternate transport for
// spec.md §6's submit_transaction: the Gateway publishes canonical JSON
// submit requests to the intake topic, this consumer decodes them and
// hands them to the sequencer, and publishes the outcome to the
// confirmed/failed topics for the Gateway to relay back.
package intake

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
	"github.com/cmatc13/rollupcore/pkg/transaction"
)

// Submitter is the subset of *sequencer.TxSequencer the intake consumer
// needs; it is exactly pkg/transaction.Processor, named locally so this
// file reads in terms of what the consumer needs.
type Submitter = transaction.Processor

// submitMessage is the wire shape consumed off the intake topic: the same
// hex-encoded canonical JSON the HTTP submit_transaction endpoint accepts.
type submitMessage struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Expiry    uint64 `json:"expiry,omitempty"`
	Type      *uint8 `json:"type,omitempty"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
}

type outcomeMessage struct {
	TxID    string `json:"tx_id,omitempty"`
	Status  string `json:"status"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Consumer polls the intake topic and drives submissions into the
// sequencer, mirroring the teacher's poll-then-dispatch loop.
type Consumer struct {
	cfg      config.KafkaConfig
	seq      Submitter
	consumer *kafka.Consumer
	producer *kafka.Producer
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewConsumer builds a Consumer bound to cfg's brokers and topics.
func NewConsumer(cfg config.KafkaConfig, seq Submitter, logger *logging.Logger, m *metrics.Metrics) (*Consumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        cfg.Brokers,
		"group.id":                 cfg.ConsumerGroupID,
		"auto.offset.reset":        "earliest",
		"session.timeout.ms":       int(cfg.SessionTimeout.Milliseconds()),
		"heartbeat.interval.ms":    int(cfg.HeartbeatInterval.Milliseconds()),
		"max.poll.interval.ms":     int(cfg.MaxPollInterval.Milliseconds()),
		"auto.commit.interval.ms":  int(cfg.AutoCommitInterval.Milliseconds()),
	})
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"retries":           cfg.ProducerMaxRetries,
		"retry.backoff.ms":  int(cfg.ProducerRetryBackoff.Milliseconds()),
	})
	if err != nil {
		consumer.Close()
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	return &Consumer{cfg: cfg, seq: seq, consumer: consumer, producer: producer, logger: logger, metrics: m}, nil
}

// Run subscribes to the intake topic and processes messages until ctx is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics([]string{c.cfg.IntakeTopic}, nil); err != nil {
		return errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	c.logger.Info("intake consumer started", "topic", c.cfg.IntakeTopic)

	for {
		select {
		case <-ctx.Done():
			c.consumer.Close()
			c.producer.Flush(15 * 1000)
			c.producer.Close()
			return nil
		default:
			msg, err := c.consumer.ReadMessage(100)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				c.logger.Warn("intake read error", "error", err)
				continue
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *kafka.Message) {
	var in submitMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.publishFailed("", fmt.Sprintf("malformed submit payload: %v", err))
		return
	}

	tx, err := decodeSubmitMessage(in)
	if err != nil {
		c.publishFailed("", err.Error())
		return
	}

	var txID [32]byte
	if in.Priority != nil {
		txID, err = c.seq.SubmitPriority(ctx, tx, *in.Priority)
	} else {
		txID, err = c.seq.Submit(ctx, tx)
	}
	if err != nil {
		c.publishFailed(hex.EncodeToString(txID[:]), err.Error())
		return
	}

	c.publishConfirmed(hex.EncodeToString(txID[:]))
}

func decodeSubmitMessage(in submitMessage) (*sequencer.Transaction, error) {
	sender, err := decodeHex32(in.Sender)
	if err != nil {
		return nil, errors.New("sender: invalid hex encoding")
	}
	recipient, err := decodeHex32(in.Recipient)
	if err != nil {
		return nil, errors.New("recipient: invalid hex encoding")
	}
	data, err := hex.DecodeString(in.Data)
	if err != nil {
		return nil, errors.New("data: invalid hex encoding")
	}
	sig, err := hex.DecodeString(in.Signature)
	if err != nil {
		return nil, errors.New("signature: invalid hex encoding")
	}

	txType := sequencer.TypeTransfer
	if in.Type != nil {
		txType = sequencer.Type(*in.Type)
	}

	return &sequencer.Transaction{
		Sender:    sender,
		Recipient: recipient,
		Amount:    in.Amount,
		Nonce:     in.Nonce,
		Expiry:    in.Expiry,
		Type:      txType,
		Data:      data,
		Signature: sig,
	}, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errors.New("expected 32-byte hex string")
	}
	copy(out[:], b)
	return out, nil
}

func (c *Consumer) publishConfirmed(txID string) {
	c.publish(c.cfg.ConfirmedTopic, txID, outcomeMessage{TxID: txID, Status: "accepted"})
}

func (c *Consumer) publishFailed(txID, message string) {
	c.publish(c.cfg.FailedTopic, txID, outcomeMessage{TxID: txID, Status: "rejected", Kind: string(errors.KindValidation), Message: message})
}

func (c *Consumer) publish(topic, key string, payload outcomeMessage) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal intake outcome", "error", err)
		return
	}
	if err := c.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          body,
	}, nil); err != nil {
		c.logger.Error("failed to publish intake outcome", "topic", topic, "error", err)
	}
}
