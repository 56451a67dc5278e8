// Package kafka provides partition probing and exact offset-range reads
// over franz-go for Kafka-backed tables.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"nebula/internal/config"
	"nebula/internal/logging"
)

var ErrUnknownTopic = errors.New("unknown topic")

// PartitionOffsets is the readable offset range of one partition:
// [Earliest, Latest).
type PartitionOffsets struct {
	Partition int32
	Earliest  int64
	Latest    int64
}

// Options builds the client options for a source: seed brokers, TLS and
// SASL. Extra options are appended.
func Options(src *config.KafkaSource, extra ...kgo.Opt) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(src.Brokers...)}
	if src.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if src.SASL != nil {
		mech, err := buildSASLMechanism(src.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return append(opts, extra...), nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *config.SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

// Prober lists a topic's partitions and their offset ranges.
type Prober struct {
	logger *slog.Logger
}

// NewProber creates a prober. A client is opened per probe.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{logger: logging.Default(logger).With("component", "kafka-prober")}
}

// Probe returns the offsets of every partition of src.Topic, sorted by
// partition.
func (p *Prober) Probe(ctx context.Context, src *config.KafkaSource) ([]PartitionOffsets, error) {
	opts, err := Options(src)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	partitions, err := partitionsOf(ctx, client, src.Topic)
	if err != nil {
		return nil, err
	}
	earliest, err := listOffsets(ctx, client, src.Topic, partitions, -2)
	if err != nil {
		return nil, err
	}
	latest, err := listOffsets(ctx, client, src.Topic, partitions, -1)
	if err != nil {
		return nil, err
	}

	out := make([]PartitionOffsets, 0, len(partitions))
	for _, part := range partitions {
		out = append(out, PartitionOffsets{Partition: part, Earliest: earliest[part], Latest: latest[part]})
	}
	p.logger.Debug("topic probed", "topic", src.Topic, "partitions", len(out))
	return out, nil
}

func partitionsOf(ctx context.Context, client *kgo.Client, topic string) ([]int32, error) {
	req := kmsg.NewPtrMetadataRequest()
	rt := kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", topic, err)
	}
	var parts []int32
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("metadata %s: %w", topic, err)
		}
		for _, p := range t.Partitions {
			parts = append(parts, p.Partition)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	slices.Sort(parts)
	return parts, nil
}

// listOffsets resolves a special timestamp (-2 earliest, -1 latest) per
// partition.
func listOffsets(ctx context.Context, client *kgo.Client, topic string, parts []int32, ts int64) (map[int32]int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	for _, p := range parts {
		rp := kmsg.NewListOffsetsRequestTopicPartition()
		rp.Partition = p
		rp.CurrentLeaderEpoch = -1
		rp.Timestamp = ts
		rt.Partitions = append(rt.Partitions, rp)
	}
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("list offsets %s: %w", topic, err)
	}
	out := make(map[int32]int64, len(parts))
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("list offsets %s/%d: %w", topic, p.Partition, err)
			}
			out[p.Partition] = p.Offset
		}
	}
	return out, nil
}

// ReadRange calls fn for every record of topic/partition with an offset in
// [from, to). It returns once the range or the partition's high watermark
// is reached. A from below the log start begins at the log start.
func ReadRange(ctx context.Context, src *config.KafkaSource, partition int32, from, to int64, fn func(*kgo.Record) error) error {
	if from >= to {
		return nil
	}
	opts, err := Options(src,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			src.Topic: {partition: kgo.NewOffset().At(from)},
		}),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	next := from
	for {
		fetches := client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return fmt.Errorf("fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}

		var (
			hw      int64 = -1
			stopErr error
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			hw = max(hw, p.HighWatermark)
			for _, rec := range p.Records {
				if stopErr != nil || rec.Offset >= to {
					return
				}
				if err := fn(rec); err != nil {
					stopErr = err
					return
				}
				next = rec.Offset + 1
			}
		})
		if stopErr != nil {
			return stopErr
		}
		if next >= to || (hw >= 0 && next >= hw) {
			return nil
		}
	}
}
