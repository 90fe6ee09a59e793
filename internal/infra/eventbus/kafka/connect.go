package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/tally/pkg/common/logger"
)

// Config holds the publisher's connection settings.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewProducerConfig returns the producer settings shared by every
// publisher: acknowledged by all in-sync replicas and partitioned by key.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5

	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectWithRetry creates a sync producer, retrying with exponential
// backoff for up to maxElapsed while the brokers are unreachable.
func ConnectWithRetry(cfg Config, maxElapsed time.Duration, log *logger.Logger) (sarama.SyncProducer, error) {
	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			log.Warn(context.Background(), "failed to connect to kafka, will retry",
				"brokers", cfg.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return producer, nil
}
