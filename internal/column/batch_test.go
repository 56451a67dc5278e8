package column

import (
	"errors"
	"testing"
)

var testSchema = Schema{
	{Name: "ts", Type: Int},
	{Name: "name", Type: String},
	{Name: "score", Type: Real},
	{Name: "ok", Type: Bool},
}

func TestBatchAppendAndRead(t *testing.T) {
	b := NewBatch(testSchema)
	rows := [][]any{
		{int64(1), "a", 1.5, true},
		{float64(2), "b", int64(3), false},
		{int64(3), nil, nil, "true"},
	}
	for _, r := range rows {
		if err := b.Append(r); err != nil {
			t.Fatal(err)
		}
	}

	if b.NumRows() != 3 {
		t.Fatalf("NumRows = %d, want 3", b.NumRows())
	}
	if got := b.Value(0, 1); got != int64(2) {
		t.Errorf("ts[1] = %v (%T), want int64 2", got, got)
	}
	if got := b.Value(2, 1); got != 3.0 {
		t.Errorf("score[1] = %v, want 3.0", got)
	}
	if got := b.Value(1, 2); got != nil {
		t.Errorf("name[2] = %v, want nil", got)
	}
	if got := b.Row(2)[3]; got != true {
		t.Errorf("ok[2] = %v, want true", got)
	}

	hists := b.Histograms()
	if hists[0].IntMin != 1 || hists[0].IntMax != 3 || hists[0].Count != 3 {
		t.Errorf("ts histogram = %s", hists[0])
	}
	if hists[1].Count != 2 {
		t.Errorf("name histogram should skip nulls: %s", hists[1])
	}
	if hists[3].TrueCount != 2 {
		t.Errorf("ok histogram = %s", hists[3])
	}
	if b.RawSize() <= 0 {
		t.Error("RawSize should be positive")
	}
}

func TestBatchArity(t *testing.T) {
	b := NewBatch(testSchema)
	if err := b.Append([]any{int64(1)}); !errors.Is(err, ErrArity) {
		t.Fatalf("expected ErrArity, got %v", err)
	}
	if b.NumRows() != 0 {
		t.Error("failed append must not add a row")
	}
}

func TestBatchRejectsUncoercible(t *testing.T) {
	b := NewBatch(testSchema)
	if err := b.Append([]any{"not-a-number", "a", 1.0, true}); err == nil {
		t.Fatal("expected coercion error")
	}
	if b.NumRows() != 0 {
		t.Error("failed append must not add a row")
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"bigint": Int, "double": Real, "BOOL": Bool, "varchar": String} {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseType("blob"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(int8(4)); got != int64(4) {
		t.Errorf("Normalize(int8) = %v (%T)", got, got)
	}
	if got := Normalize(uint16(9)); got != int64(9) {
		t.Errorf("Normalize(uint16) = %v (%T)", got, got)
	}
	if got := Normalize(float32(0.5)); got != 0.5 {
		t.Errorf("Normalize(float32) = %v (%T)", got, got)
	}
	if got := Normalize("s"); got != "s" {
		t.Errorf("Normalize(string) = %v", got)
	}
}

func TestCoerceStrings(t *testing.T) {
	tests := []struct {
		typ  Type
		in   string
		want any
	}{
		{Int, " 42", int64(42)},
		{Real, "1.25", 1.25},
		{Real, "7", 7.0},
		{Bool, "yes", true},
		{String, "x", "x"},
	}
	for _, tt := range tests {
		got, err := Coerce(tt.typ, tt.in)
		if err != nil || got != tt.want {
			t.Errorf("Coerce(%s, %q) = %v, %v; want %v", tt.typ, tt.in, got, err, tt.want)
		}
	}
	if _, err := Coerce(Int, "1.5"); err == nil {
		t.Error("Coerce(int, 1.5) should fail")
	}
}
