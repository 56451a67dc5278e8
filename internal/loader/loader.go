// Package loader turns ingestion specs into locally resident blocks.
//
// Blob-backed specs (swap, roll, static) are read through a bucket cache
// and decoded by format; Kafka specs read an exact offset range. Rows are
// cut into blocks of at most MaxBlockRows.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/twmb/franz-go/pkg/kgo"

	"nebula/internal/block"
	"nebula/internal/column"
	"nebula/internal/config"
	"nebula/internal/kafka"
	"nebula/internal/logging"
	"nebula/internal/source"
	"nebula/internal/spec"
)

var (
	ErrUnknownFormat = errors.New("unknown format")
	ErrNoSource      = errors.New("no source configured")
)

// Loader loads a spec.
type Loader interface {
	Load(ctx context.Context, s *spec.IngestSpec) ([]*block.Block, error)
}

// Buckets reads blob sources.
type Buckets interface {
	Glob(ctx context.Context, url, pattern string) ([]source.Object, error)
	Open(ctx context.Context, url, key string, offset, length int64) (io.ReadCloser, error)
}

// Records reads an offset range of one Kafka partition.
type Records interface {
	ReadRange(ctx context.Context, src *config.KafkaSource, partition int32, from, to int64, fn func(*kgo.Record) error) error
}

type kafkaRecords struct{}

func (kafkaRecords) ReadRange(ctx context.Context, src *config.KafkaSource, partition int32, from, to int64, fn func(*kgo.Record) error) error {
	return kafka.ReadRange(ctx, src, partition, from, to, fn)
}

// Config configures a Router. Either source may be nil if no table uses it.
// Records defaults to a franz-go consumer.
type Config struct {
	Buckets Buckets
	Prober  spec.Prober
	Records Records
	Logger  *slog.Logger
}

// Router loads specs from the source their loader kind names.
type Router struct {
	buckets Buckets
	prober  spec.Prober
	records Records
	logger  *slog.Logger
}

func New(cfg Config) *Router {
	records := cfg.Records
	if records == nil {
		records = kafkaRecords{}
	}
	return &Router{
		buckets: cfg.Buckets,
		prober:  cfg.Prober,
		records: records,
		logger:  logging.Default(cfg.Logger).With("component", "loader"),
	}
}

// Load reads every split of s. Rows that cannot be decoded or coerced to
// the schema are skipped and counted.
func (r *Router) Load(ctx context.Context, s *spec.IngestSpec) ([]*block.Block, error) {
	b := newBuilder(s)
	var err error
	if s.Loader == config.Kafka {
		err = r.loadKafka(ctx, s, b)
	} else {
		err = r.loadBlob(ctx, s, b)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.ID, err)
	}
	b.flush()
	if b.rejected > 0 {
		r.logger.Warn("rows rejected", "spec", s.ID, "rejected", b.rejected, "rows", b.rows)
	}
	r.logger.Debug("spec loaded", "spec", s.ID, "blocks", len(b.blocks), "rows", b.rows)
	return b.blocks, nil
}

func (r *Router) loadBlob(ctx context.Context, s *spec.IngestSpec, b *builder) error {
	if r.buckets == nil {
		return ErrNoSource
	}
	decode, err := decoderFor(s.Format)
	if err != nil {
		return err
	}
	read := func(key string, offset, length int64) error {
		rc, err := r.buckets.Open(ctx, s.Source, key, offset, length)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		if err := decode(rc, b); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}

	for _, sp := range s.Splits {
		if !sp.Glob {
			length := int64(-1)
			if sp.Size > 0 {
				length = sp.Size
			}
			if err := read(sp.Path, sp.Offset, length); err != nil {
				return err
			}
			continue
		}
		objs, err := r.buckets.Glob(ctx, s.Source, sp.Path)
		if err != nil {
			return err
		}
		for _, o := range objs {
			if err := read(o.Key, 0, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Router) loadKafka(ctx context.Context, s *spec.IngestSpec, b *builder) error {
	if s.Kafka == nil || r.prober == nil {
		return ErrNoSource
	}
	parts, err := r.prober.Probe(ctx, s.Kafka)
	if err != nil {
		return err
	}
	latest := make(map[int32]int64, len(parts))
	for _, p := range parts {
		latest[p.Partition] = p.Latest
	}

	for _, sp := range s.Splits {
		_, part, err := spec.ParsePartitionPath(sp.Path)
		if err != nil {
			return err
		}
		to := min(sp.Offset+sp.Size, latest[part])
		err = r.records.ReadRange(ctx, s.Kafka, part, sp.Offset, to, func(rec *kgo.Record) error {
			var m map[string]any
			if err := json.Unmarshal(rec.Value, &m); err != nil {
				b.rejected++
				return nil
			}
			// Block windows are in unix seconds.
			if s.TimeColumn != "" {
				if _, ok := m[s.TimeColumn]; !ok {
					m[s.TimeColumn] = rec.Timestamp.Unix()
				}
			}
			b.add(m)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// builder cuts decoded records into blocks.
type builder struct {
	s       *spec.IngestSpec
	limit   int
	timeCol int

	cur      *column.Batch
	seq      uint64
	blocks   []*block.Block
	rows     int
	rejected int
}

func newBuilder(s *spec.IngestSpec) *builder {
	timeCol := -1
	if s.TimeColumn != "" {
		timeCol = s.Schema.Index(s.TimeColumn)
	}
	return &builder{
		s:       s,
		limit:   max(s.MaxBlockRows, 1),
		timeCol: timeCol,
		cur:     column.NewBatch(s.Schema),
	}
}

// add appends one record keyed by column name.
func (b *builder) add(rec map[string]any) {
	row := make([]any, len(b.s.Schema))
	for i, c := range b.s.Schema {
		row[i] = rec[c.Name]
	}
	if err := b.cur.Append(row); err != nil {
		b.rejected++
		return
	}
	b.rows++
	if b.cur.NumRows() >= b.limit {
		b.flush()
	}
}

var unbounded = block.Window{Start: math.MinInt64, End: math.MaxInt64}

func (b *builder) flush() {
	if b.cur.NumRows() == 0 {
		return
	}
	blk := block.FromBatch(b.s.Table, b.s.Version, b.s.ID, b.seq, b.cur, b.timeCol, unbounded)
	b.blocks = append(b.blocks, blk)
	b.seq++
	b.cur = column.NewBatch(b.s.Schema)
}
