package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"nebula/internal/query"
	"nebula/internal/rpc"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [plan-file]",
		Short: "Run a query plan on a coordinator",
		Long: `Run a query plan on a coordinator and print the result.

The plan is read as YAML (or JSON) from the file argument, or from stdin when
the argument is "-" or omitted:

  table: events
  window: {start: 0, end: 1700000000}
  predicates: [{column: host, op: eq, value: web-1}]
  keys: [host]
  aggs: [{func: count}]
  output: [{column: host}, {column: "count(*)", alias: n}]
  sort: [{column: n, desc: true}]
  limit: 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			format, _ := cmd.Flags().GetString("format")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			showStats, _ := cmd.Flags().GetBool("stats")

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			p, err := readPlan(path, cmd.InOrStdin())
			if err != nil {
				return err
			}

			conn, err := grpc.NewClient(addr, rpc.DialOptions()...)
			if err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := rpc.NewQueryClient(conn).Query(ctx, p)
			if err != nil {
				return err
			}
			return printReply(newPrinter(format, cmd.OutOrStdout()), reply, showStats)
		},
	}
	cmd.Flags().String("addr", "localhost:9190", "coordinator address")
	cmd.Flags().StringP("format", "o", "table", "output format: table or json")
	cmd.Flags().Duration("timeout", 30*time.Second, "overall request timeout")
	cmd.Flags().Bool("stats", false, "print query statistics after the result")
	return cmd
}

// readPlan decodes a plan from path, or from stdin when path is "-".
func readPlan(path string, stdin io.Reader) (*query.Plan, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // G304: user-supplied plan file
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p query.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func printReply(pr *printer, reply *rpc.QueryReply, showStats bool) error {
	res := reply.Result
	if res == nil {
		res = &query.Result{}
	}
	if pr.format == "json" {
		if showStats {
			return pr.json(map[string]any{"result": res, "stats": reply.Stats})
		}
		return pr.json(res)
	}

	rows := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = formatValue(v)
		}
	}
	pr.table(res.Columns, rows)
	if res.Truncated {
		_, _ = fmt.Fprintln(pr.w, "(truncated)")
	}
	if showStats {
		s := reply.Stats
		_, _ = fmt.Fprintln(pr.w)
		pr.kv([][2]string{
			{"rows returned", strconv.FormatInt(s.RowsReturned, 10)},
			{"rows scanned", strconv.FormatInt(s.RowsScanned, 10)},
			{"blocks scanned", strconv.FormatInt(s.BlocksScanned, 10)},
			{"blocks skipped", strconv.FormatInt(s.BlocksSkipped, 10)},
			{"nodes queried", strconv.FormatInt(s.NodesQueried, 10)},
			{"nodes failed", strconv.FormatInt(s.NodesFailed, 10)},
			{"nodes timed out", strconv.FormatInt(s.NodesTimedOut, 10)},
		})
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
