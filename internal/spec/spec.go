// Package spec generates and tracks ingestion specs.
//
// A spec is a deterministic unit of source data: a table, a version and an
// ordered list of splits. Its ID is a pure function of those, so the same
// source listing always yields the same IDs and refresh cycles can be diffed
// without persisted state.
package spec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"nebula/internal/block"
	"nebula/internal/column"
	"nebula/internal/config"
)

// Split is one contiguous piece of source data.
type Split struct {
	// Path is an object key, or "topic/partition" for Kafka.
	Path string `msgpack:"path"`
	// Glob marks Path as a doublestar pattern resolved at load time.
	Glob   bool  `msgpack:"glob,omitempty"`
	Offset int64 `msgpack:"offset"`
	// Size is the extent of the split; 0 means to the end of the object.
	Size int64 `msgpack:"size"`
	// Watermark is the bucket time (unix seconds) a time macro was
	// materialized with, 0 if none.
	Watermark int64 `msgpack:"watermark"`
}

// State is the lifecycle state of a spec on the coordinator.
type State uint8

const (
	New State = iota
	Assigned
	Renew
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Assigned:
		return "ASSIGNED"
	case Renew:
		return "RENEW"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IngestSpec is a unit of ingestion. The first group of fields is what a
// node needs to load it; the rest is coordinator bookkeeping.
type IngestSpec struct {
	ID           string              `msgpack:"id"`
	Table        string              `msgpack:"table"`
	Version      string              `msgpack:"version"`
	Loader       config.LoaderKind   `msgpack:"loader"`
	Source       string              `msgpack:"source"`
	Format       string              `msgpack:"format"`
	Schema       column.Schema       `msgpack:"schema"`
	TimeColumn   string              `msgpack:"time_column"`
	MaxBlockRows int                 `msgpack:"max_block_rows"`
	Kafka        *config.KafkaSource `msgpack:"kafka,omitempty"`
	Splits       []Split             `msgpack:"splits"`
	// Bytes is the observed size of the source data. It is not part of the
	// ID: a grown source keeps its ID and is renewed.
	Bytes int64 `msgpack:"bytes"`

	State      State        `msgpack:"state"`
	Node       block.NodeID `msgpack:"node,omitempty"`
	Created    time.Time    `msgpack:"created"`
	Dispatched time.Time    `msgpack:"dispatched"`
	Confirmed  bool         `msgpack:"confirmed"`
}

// ComputeID derives the spec ID from table, version and splits.
func ComputeID(table, version string, splits []Split) string {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	write(table)
	write(version)
	for _, s := range splits {
		write(s.Path)
		write(strconv.FormatBool(s.Glob))
		write(strconv.FormatInt(s.Offset, 10))
		write(strconv.FormatInt(s.Size, 10))
		write(strconv.FormatInt(s.Watermark, 10))
	}
	return fmt.Sprintf("%s-%016x", table, d.Sum64())
}

// Time returns the time retention is measured from: the newest watermark,
// or the creation time for unbucketed specs.
func (s *IngestSpec) Time() time.Time {
	var wm int64
	for _, sp := range s.Splits {
		wm = max(wm, sp.Watermark)
	}
	if wm > 0 {
		return time.Unix(wm, 0)
	}
	return s.Created
}

// Clone returns a copy that shares no mutable state with s.
func (s *IngestSpec) Clone() *IngestSpec {
	c := *s
	c.Splits = append([]Split(nil), s.Splits...)
	c.Schema = append(column.Schema(nil), s.Schema...)
	return &c
}

func (s *IngestSpec) String() string {
	return fmt.Sprintf("%s[%s node=%s bytes=%d splits=%d]", s.ID, s.State, s.Node, s.Bytes, len(s.Splits))
}

// newSpec fills the table-derived fields and computes the ID.
func newSpec(t config.Table, schema column.Schema, splits []Split, bytes int64) *IngestSpec {
	return &IngestSpec{
		ID:           ComputeID(t.Name, t.Version, splits),
		Table:        t.Name,
		Version:      t.Version,
		Loader:       t.Loader,
		Source:       t.Source,
		Format:       t.Format,
		Schema:       schema,
		TimeColumn:   t.TimeColumn,
		MaxBlockRows: t.MaxBlockRows,
		Kafka:        t.Kafka,
		Splits:       splits,
		Bytes:        bytes,
	}
}
