package timeslice

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const (
	kindA Kind = iota
	kindB
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Record(kindA, 100*time.Millisecond)
	w.Record(kindB, 200*time.Millisecond)
	w.Record(kindA, 300*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}

	type rec struct {
		Kind string
		D    time.Duration
	}
	var got []rec
	if err := Read(bytes.NewReader(buf.Bytes()), func(kind string, d time.Duration) error {
		got = append(got, rec{kind, d})
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []rec{{"a", 100 * time.Millisecond}, {"b", 200 * time.Millisecond}, {"a", 300 * time.Millisecond}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}

	sums, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	wantSums := []Summary{
		{Kind: "a", Count: 2, Sum: 400 * time.Millisecond, Min: 100 * time.Millisecond, Max: 300 * time.Millisecond},
		{Kind: "b", Count: 1, Sum: 200 * time.Millisecond, Min: 200 * time.Millisecond, Max: 200 * time.Millisecond},
	}
	if diff := cmp.Diff(wantSums, sums); diff != "" {
		t.Fatalf("summaries (-want +got):\n%s", diff)
	}
	if got := sums[0].Avg(); got != 200*time.Millisecond {
		t.Fatalf("Avg = %v", got)
	}
}

func TestRecordsAreAligned(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, []string{"cpu"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != align {
		t.Fatalf("empty file is %d bytes, want %d", buf.Len(), align)
	}
}

func TestNilWriter(t *testing.T) {
	var w *Writer
	s := w.Span()
	s.Mark(kindA)
	w.Record(kindB, time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
}

func TestSpan(t *testing.T) {
	var buf bytes.Buffer
	w, err := Create(&buf, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	s := w.Span()
	s.Mark(kindA)
	s.Mark(kindB)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	sums, err := Summarize(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 || sums[0].Count != 1 || sums[1].Count != 1 {
		t.Fatalf("summaries = %+v", sums)
	}
}

func TestBadMagic(t *testing.T) {
	data := make([]byte, align)
	if err := Read(bytes.NewReader(data), func(string, time.Duration) error { return nil }); err == nil {
		t.Fatal("Read accepted a zero header")
	}
}

func BenchmarkRecord(b *testing.B) {
	var buf bytes.Buffer
	w, err := Create(&buf, []string{"a", "b"})
	if err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		w.Record(kindA, time.Microsecond)
		w.Record(kindB, time.Microsecond)
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
}
