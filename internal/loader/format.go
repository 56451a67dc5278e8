package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// decoder reads one object and feeds its records to the builder.
type decoder func(r io.Reader, b *builder) error

func decoderFor(format string) (decoder, error) {
	switch strings.ToLower(format) {
	case "", "ndjson", "json", "jsonl":
		return decodeNDJSON, nil
	case "csv":
		return decodeCSV, nil
	case "parquet":
		return decodeParquet, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

const maxLine = 16 << 20

// decodeNDJSON reads one JSON object per line. Blank lines are ignored and
// lines that are not objects are rejected.
func decodeNDJSON(r io.Reader, b *builder) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil || m == nil {
			b.rejected++
			continue
		}
		b.add(m)
	}
	return sc.Err()
}

// decodeCSV reads a header row followed by records.
func decodeCSV(r io.Reader, b *builder) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	header = append([]string(nil), header...)

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			b.rejected++
			continue
		}
		if err != nil {
			return err
		}
		m := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(rec) && rec[i] != "" {
				m[name] = rec[i]
			}
		}
		b.add(m)
	}
}

// decodeParquet reads every row group. Leaf columns are named by their
// dotted path; repeated fields keep their first value.
func decodeParquet(r io.Reader, b *builder) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	paths := f.Schema().Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = strings.Join(p, ".")
	}

	buf := make([]parquet.Row, 128)
	for _, rg := range f.RowGroups() {
		if err := readRowGroup(rg, names, buf, b); err != nil {
			return err
		}
	}
	return nil
}

func readRowGroup(rg parquet.RowGroup, names []string, buf []parquet.Row, b *builder) error {
	rows := rg.Rows()
	defer func() { _ = rows.Close() }()
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			m := make(map[string]any, len(names))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(names) {
					continue
				}
				if _, seen := m[names[col]]; seen {
					continue
				}
				m[names[col]] = parquetValue(v)
			}
			b.add(m)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	}
	return nil
}
