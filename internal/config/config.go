// Package config describes the cluster: the coordinator's cadences, the
// worker settings of a node, the node list and the tables to ingest.
//
// Configuration is declarative and read from a YAML file (see Load). It is
// control-plane state only; nothing here is consulted on the query path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nebula/internal/column"
)

var (
	ErrNoTables       = errors.New("no tables configured")
	ErrDuplicateTable = errors.New("duplicate table")
	ErrUnknownLoader  = errors.New("unknown loader")
)

// LoaderKind selects how a table's specs are generated.
type LoaderKind string

const (
	// Swap lists every object matching the pattern; one spec per object.
	Swap LoaderKind = "swap"
	// Roll expands time macros in the pattern over a lookback window; one
	// spec per time bucket.
	Roll LoaderKind = "roll"
	// Kafka segments each partition's offset range.
	Kafka LoaderKind = "kafka"
	// Static produces a single spec for the source.
	Static LoaderKind = "static"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Cluster is the whole configuration file.
type Cluster struct {
	Server Server  `yaml:"server"`
	Worker Worker  `yaml:"worker"`
	Nodes  []Node  `yaml:"nodes"`
	Tables []Table `yaml:"tables"`
}

// Server holds coordinator settings.
type Server struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	RefreshInterval  Duration `yaml:"refresh_interval"`
	DispatchInterval Duration `yaml:"dispatch_interval"`
	PollInterval     Duration `yaml:"poll_interval"`
	ExpireInterval   Duration `yaml:"expire_interval"`
	// BackupCron schedules metadata backups. Empty disables them.
	BackupCron string `yaml:"backup_cron"`

	QueryTimeout Duration `yaml:"query_timeout"`
	TaskTimeout  Duration `yaml:"task_timeout"`
	// TaskRetry is how long a dispatched spec may stay unconfirmed before it
	// is dispatched again.
	TaskRetry Duration `yaml:"task_retry"`
	// NodeFailures is the number of consecutive failed polls after which a
	// node is considered lost.
	NodeFailures int `yaml:"node_failures"`
	// DispatchRate caps task RPCs per second per node.
	DispatchRate float64 `yaml:"dispatch_rate"`
}

// Worker holds node-side execution settings.
type Worker struct {
	Addr      string   `yaml:"addr"`
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queue_size"`
	TaskTTL   Duration `yaml:"task_ttl"`
}

// Node is one worker node as seen by the coordinator.
type Node struct {
	// Addr is the node's gRPC address, or "in-process" for the node that
	// shares the coordinator's process.
	Addr string `yaml:"addr"`
}

// ColumnDef declares one column of a table.
type ColumnDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Retention bounds how long a table's specs are kept. A spec is expired if
// ANY condition is met. All fields are optional.
type Retention struct {
	// MaxSeconds expires specs whose time is older than this many seconds.
	MaxSeconds *int64 `yaml:"max_seconds,omitempty"`
	// MaxMB expires the oldest specs once the table exceeds this size.
	MaxMB *int64 `yaml:"max_mb,omitempty"`
	// MaxSize is MaxMB with a unit suffix (B, KB, MB, GB); the smaller wins.
	MaxSize *string `yaml:"max_size,omitempty"`
}

// MaxAge returns the age limit, or 0 when unset.
func (r Retention) MaxAge() time.Duration {
	if r.MaxSeconds == nil {
		return 0
	}
	return time.Duration(*r.MaxSeconds) * time.Second
}

// MaxBytes returns the size limit in bytes, or 0 when unset.
func (r Retention) MaxBytes() (int64, error) {
	var limit int64
	if r.MaxMB != nil {
		limit = *r.MaxMB * 1024 * 1024
	}
	if r.MaxSize != nil {
		n, err := ParseBytes(*r.MaxSize)
		if err != nil {
			return 0, fmt.Errorf("invalid max_size: %w", err)
		}
		if limit == 0 || int64(n) < limit { //nolint:gosec
			limit = int64(n) //nolint:gosec
		}
	}
	return limit, nil
}

// KafkaSource configures a Kafka-backed table.
type KafkaSource struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// SegmentSize is the number of offsets per spec.
	SegmentSize int64       `yaml:"segment_size"`
	TLS         bool        `yaml:"tls"`
	SASL        *SASLConfig `yaml:"sasl,omitempty"`
}

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"` // "plain", "scram-sha-256", "scram-sha-512"
	User      string `yaml:"user"`
	Password  string `yaml:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
}

// Table describes one ingested table.
type Table struct {
	Name    string      `yaml:"name"`
	Version string      `yaml:"version"`
	Schema  []ColumnDef `yaml:"schema"`
	// TimeColumn names the column that bounds block windows.
	TimeColumn string     `yaml:"time_column"`
	Loader     LoaderKind `yaml:"loader"`

	// Source is a blob bucket URL (file:///..., s3://..., gs://...).
	Source string `yaml:"source"`
	// Pattern is a doublestar glob relative to the bucket. Roll tables may
	// use the macros {date}, {hour}, {minute}, {year}, {month}, {day} and
	// {timestamp}.
	Pattern string `yaml:"pattern"`
	Format  string `yaml:"format"`

	// Bucket and Lookback drive Roll tables.
	Bucket   Duration `yaml:"bucket"`
	Lookback Duration `yaml:"lookback"`

	Kafka *KafkaSource `yaml:"kafka,omitempty"`

	Retention    Retention `yaml:"retention"`
	MaxBlockRows int       `yaml:"max_block_rows"`
}

// ColumnSchema resolves the declared schema.
func (t Table) ColumnSchema() (column.Schema, error) {
	schema := make(column.Schema, 0, len(t.Schema))
	for _, c := range t.Schema {
		typ, err := column.ParseType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		schema = append(schema, column.Column{Name: c.Name, Type: typ})
	}
	return schema, nil
}

// Validate checks one table.
func (t Table) Validate() error {
	if t.Name == "" {
		return errors.New("table without name")
	}
	if len(t.Schema) == 0 {
		return fmt.Errorf("table %s: empty schema", t.Name)
	}
	schema, err := t.ColumnSchema()
	if err != nil {
		return err
	}
	if t.TimeColumn != "" && schema.Index(t.TimeColumn) < 0 {
		return fmt.Errorf("table %s: time column %q not in schema", t.Name, t.TimeColumn)
	}
	switch t.Loader {
	case Swap, Static:
		if t.Source == "" {
			return fmt.Errorf("table %s: %s loader needs a source", t.Name, t.Loader)
		}
	case Roll:
		if t.Source == "" || t.Pattern == "" {
			return fmt.Errorf("table %s: roll loader needs source and pattern", t.Name)
		}
		if t.Bucket <= 0 || t.Lookback <= 0 {
			return fmt.Errorf("table %s: roll loader needs positive bucket and lookback", t.Name)
		}
	case Kafka:
		if t.Kafka == nil || len(t.Kafka.Brokers) == 0 || t.Kafka.Topic == "" {
			return fmt.Errorf("table %s: kafka loader needs brokers and topic", t.Name)
		}
		if t.Kafka.SegmentSize <= 0 {
			return fmt.Errorf("table %s: kafka segment_size must be positive", t.Name)
		}
	default:
		return fmt.Errorf("table %s: %w %q", t.Name, ErrUnknownLoader, t.Loader)
	}
	if _, err := t.Retention.MaxBytes(); err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	return nil
}

// Table returns the named table.
func (c *Cluster) Table(name string) (Table, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks the configuration after defaults are applied.
func (c *Cluster) Validate() error {
	if len(c.Tables) == 0 {
		return ErrNoTables
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if seen[t.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateTable, t.Name)
		}
		seen[t.Name] = true
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, n := range c.Nodes {
		if strings.TrimSpace(n.Addr) == "" {
			return errors.New("node without addr")
		}
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Cluster) ApplyDefaults() {
	s := &c.Server
	setDuration(&s.RefreshInterval, 10*time.Second)
	setDuration(&s.DispatchInterval, time.Second)
	setDuration(&s.PollInterval, 500*time.Millisecond)
	setDuration(&s.ExpireInterval, 30*time.Second)
	setDuration(&s.QueryTimeout, 5*time.Second)
	setDuration(&s.TaskTimeout, 5*time.Second)
	setDuration(&s.TaskRetry, 30*time.Second)
	if s.Addr == "" {
		s.Addr = ":9190"
	}
	if s.NodeFailures <= 0 {
		s.NodeFailures = 3
	}
	if s.DispatchRate <= 0 {
		s.DispatchRate = 50
	}

	w := &c.Worker
	if w.Addr == "" {
		w.Addr = ":9191"
	}
	if w.Workers <= 0 {
		w.Workers = 64
	}
	if w.QueueSize <= 0 {
		w.QueueSize = 1024
	}
	setDuration(&w.TaskTTL, 10*time.Minute)

	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Format == "" {
			t.Format = "ndjson"
		}
		if t.MaxBlockRows <= 0 {
			t.MaxBlockRows = 50_000
		}
		if t.Loader == Swap && t.Pattern == "" {
			t.Pattern = "**"
		}
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Cluster, error) {
	var c Cluster
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a config file.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty value")
	}

	var multiplier uint64 = 1
	numStr := s
	for _, unit := range []struct {
		suffix string
		mult   uint64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			numStr = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
