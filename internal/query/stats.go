package query

import "sync/atomic"

// Stats is the mutable telemetry of one query. Fields are updated
// concurrently by fan-out goroutines.
type Stats struct {
	RowsScanned   atomic.Int64
	BlocksScanned atomic.Int64
	BlocksSkipped atomic.Int64
	RowsReturned  atomic.Int64
	NodesQueried  atomic.Int64
	NodesFailed   atomic.Int64
	NodesTimedOut atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RowsScanned   int64 `msgpack:"rows_scanned" json:"rows_scanned"`
	BlocksScanned int64 `msgpack:"blocks_scanned" json:"blocks_scanned"`
	BlocksSkipped int64 `msgpack:"blocks_skipped" json:"blocks_skipped"`
	RowsReturned  int64 `msgpack:"rows_returned" json:"rows_returned"`
	NodesQueried  int64 `msgpack:"nodes_queried" json:"nodes_queried"`
	NodesFailed   int64 `msgpack:"nodes_failed" json:"nodes_failed"`
	NodesTimedOut int64 `msgpack:"nodes_timed_out" json:"nodes_timed_out"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RowsScanned:   s.RowsScanned.Load(),
		BlocksScanned: s.BlocksScanned.Load(),
		BlocksSkipped: s.BlocksSkipped.Load(),
		RowsReturned:  s.RowsReturned.Load(),
		NodesQueried:  s.NodesQueried.Load(),
		NodesFailed:   s.NodesFailed.Load(),
		NodesTimedOut: s.NodesTimedOut.Load(),
	}
}

// AddScan folds a partial result's scan counters into s.
func (s *Stats) AddScan(r *Result) {
	if r == nil {
		return
	}
	s.RowsScanned.Add(r.RowsScanned)
	s.BlocksScanned.Add(r.BlocksScanned)
	s.BlocksSkipped.Add(r.BlocksSkipped)
}
