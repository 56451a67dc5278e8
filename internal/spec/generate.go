package spec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nebula/internal/column"
	"nebula/internal/config"
	"nebula/internal/kafka"
	"nebula/internal/source"
)

var ErrUnsupportedLoader = errors.New("unsupported loader")

// Lister resolves a doublestar pattern against a bucket URL.
type Lister interface {
	Glob(ctx context.Context, url, pattern string) ([]source.Object, error)
}

// Prober reports the partition offsets of a Kafka topic.
type Prober interface {
	Probe(ctx context.Context, src *config.KafkaSource) ([]kafka.PartitionOffsets, error)
}

// Generator derives the full spec set of a table from its live source.
// Either dependency may be nil if no table uses it.
type Generator struct {
	lister Lister
	prober Prober
}

func NewGenerator(lister Lister, prober Prober) *Generator {
	return &Generator{lister: lister, prober: prober}
}

// Generate lists the table's source and returns its specs. The result is
// deterministic for an unchanged source listing and a fixed now.
func (g *Generator) Generate(ctx context.Context, t config.Table, now time.Time) ([]*IngestSpec, error) {
	schema, err := t.ColumnSchema()
	if err != nil {
		return nil, err
	}
	switch t.Loader {
	case config.Swap:
		return g.swap(ctx, t, schema)
	case config.Roll:
		return g.roll(ctx, t, schema, now)
	case config.Static:
		return g.static(ctx, t, schema)
	case config.Kafka:
		return g.kafka(ctx, t, schema)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLoader, t.Loader)
}

func (g *Generator) glob(ctx context.Context, url, pattern string) ([]source.Object, error) {
	if g.lister == nil {
		return nil, fmt.Errorf("%w: no lister configured", ErrUnsupportedLoader)
	}
	return g.lister.Glob(ctx, url, pattern)
}

// swap produces one spec per matching object.
func (g *Generator) swap(ctx context.Context, t config.Table, schema column.Schema) ([]*IngestSpec, error) {
	objs, err := g.glob(ctx, t.Source, t.Pattern)
	if err != nil {
		return nil, err
	}
	out := make([]*IngestSpec, 0, len(objs))
	for _, o := range objs {
		out = append(out, newSpec(t, schema, []Split{{Path: o.Key}}, o.Size))
	}
	return out, nil
}

// static produces a single spec covering everything the pattern matches.
func (g *Generator) static(ctx context.Context, t config.Table, schema column.Schema) ([]*IngestSpec, error) {
	pattern := t.Pattern
	if pattern == "" {
		pattern = "**"
	}
	objs, err := g.glob(ctx, t.Source, pattern)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, nil
	}
	return []*IngestSpec{newSpec(t, schema, []Split{{Path: pattern, Glob: true}}, totalSize(objs))}, nil
}

// roll expands the pattern's time macros for every bucket in the lookback
// window and produces one spec per bucket with data.
func (g *Generator) roll(ctx context.Context, t config.Table, schema column.Schema, now time.Time) ([]*IngestSpec, error) {
	bucket := t.Bucket.D()
	end := now.UTC().Truncate(bucket)
	start := end.Add(-t.Lookback.D())

	var out []*IngestSpec
	seen := make(map[string]bool)
	for b := start; !b.After(end); b = b.Add(bucket) {
		path := ExpandMacros(t.Pattern, b)
		if seen[path] {
			continue
		}
		seen[path] = true

		objs, err := g.glob(ctx, t.Source, path)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			continue
		}
		split := Split{Path: path, Glob: true, Watermark: b.Unix()}
		out = append(out, newSpec(t, schema, []Split{split}, totalSize(objs)))
	}
	return out, nil
}

// kafka segments each partition into fixed-size offset ranges aligned to
// the segment size. Bytes counts the readable offsets of a segment, so the
// head segment is renewed as the partition grows.
func (g *Generator) kafka(ctx context.Context, t config.Table, schema column.Schema) ([]*IngestSpec, error) {
	if g.prober == nil {
		return nil, fmt.Errorf("%w: no kafka prober configured", ErrUnsupportedLoader)
	}
	parts, err := g.prober.Probe(ctx, t.Kafka)
	if err != nil {
		return nil, err
	}
	size := t.Kafka.SegmentSize

	var out []*IngestSpec
	for _, p := range parts {
		path := PartitionPath(t.Kafka.Topic, p.Partition)
		for off := (p.Earliest / size) * size; off < p.Latest; off += size {
			avail := min(off+size, p.Latest) - max(off, p.Earliest)
			if avail <= 0 {
				continue
			}
			split := Split{Path: path, Offset: off, Size: size}
			out = append(out, newSpec(t, schema, []Split{split}, avail))
		}
	}
	return out, nil
}

// PartitionPath names a Kafka partition in a split.
func PartitionPath(topic string, partition int32) string {
	return topic + "/" + strconv.Itoa(int(partition))
}

// ParsePartitionPath is the inverse of PartitionPath.
func ParsePartitionPath(path string) (string, int32, error) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("bad partition path %q", path)
	}
	p, err := strconv.ParseInt(path[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("bad partition path %q: %w", path, err)
	}
	return path[:i], int32(p), nil
}

// ExpandMacros materializes the time macros of a pattern at t (UTC).
func ExpandMacros(pattern string, t time.Time) string {
	if !strings.Contains(pattern, "{") {
		return pattern
	}
	t = t.UTC()
	return strings.NewReplacer(
		"{date}", t.Format("2006-01-02"),
		"{hour}", t.Format("15"),
		"{minute}", t.Format("04"),
		"{year}", t.Format("2006"),
		"{month}", t.Format("01"),
		"{day}", t.Format("02"),
		"{timestamp}", strconv.FormatInt(t.Unix(), 10),
	).Replace(pattern)
}

func totalSize(objs []source.Object) int64 {
	var n int64
	for _, o := range objs {
		n += o.Size
	}
	return n
}
