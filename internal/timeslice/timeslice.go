// Package timeslice records how host time is split between the phases of
// an emulation loop.
//
// A file starts with a header, the JSON list of kind names and padding to a
// 512 byte boundary, followed by fixed size little endian records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x50505453 // "PPTS"
	Version uint32 = 1

	align = 512
)

// ErrClosed is returned when Close is called twice.
var ErrClosed = errors.New("timeslice: closed")

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

// Kind indexes the kind list passed to Create.
type Kind uint32

type record struct {
	Kind     uint32
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer from a background goroutine.
// A nil *Writer discards everything.
type Writer struct {
	nkinds int
	ch     chan record
	done   chan error
	closed atomic.Bool
}

// Create writes the file header for kinds and starts the writer.
func Create(w io.Writer, kinds []string) (*Writer, error) {
	names, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(len(names)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		nkinds: len(kinds),
		ch:     make(chan record, 4096),
		done:   make(chan error, 1),
	}
	go tw.run(w)
	return tw, nil
}

func padding(kindsBytes int) int {
	off := binary.Size(header{}) + kindsBytes
	if off%align == 0 {
		return 0
	}
	return align - off%align
}

func (w *Writer) run(out io.Writer) {
	bw := bufio.NewWriterSize(out, 4096)
	var buf [16]byte
	for r := range w.ch {
		binary.LittleEndian.PutUint32(buf[0:4], r.Kind)
		binary.LittleEndian.PutUint32(buf[4:8], 0)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Duration))
		if _, err := bw.Write(buf[:recordSize]); err != nil {
			w.done <- err
			// drain so Record never blocks on a dead writer
			for range w.ch {
			}
			return
		}
	}
	w.done <- bw.Flush()
}

// Record queues one interval. It panics on a kind that was not declared.
func (w *Writer) Record(k Kind, d time.Duration) {
	if w == nil {
		return
	}
	if int(k) >= w.nkinds {
		panic(fmt.Sprintf("timeslice: kind %d out of range", k))
	}
	w.ch <- record{Kind: uint32(k), Duration: d.Nanoseconds()}
}

// Close flushes queued records and stops the writer. It does not close
// the underlying io.Writer.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if !w.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(w.ch)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

// Span measures consecutive intervals. Each Mark records the time since
// the previous Mark. A Span is not safe for concurrent use.
type Span struct {
	w    *Writer
	last time.Time
}

// Span starts a span at the current time.
func (w *Writer) Span() *Span {
	return &Span{w: w, last: time.Now()}
}

// Mark records the time since the previous mark as kind k.
func (s *Span) Mark(k Kind) {
	if s.w == nil {
		return
	}
	now := time.Now()
	s.w.Record(k, now.Sub(s.last))
	s.last = now
}

// Read calls fn for every record in r in file order.
func Read(r io.Reader, fn func(kind string, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic %#x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var kinds []string
	if err := json.NewDecoder(io.LimitReader(br, int64(h.KindsBytes))).Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	if _, err := br.Discard(padding(int(h.KindsBytes))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		if int(rec.Kind) >= len(kinds) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kinds[rec.Kind], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates the records of one kind.
type Summary struct {
	Kind  string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Avg is the mean duration.
func (s Summary) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s Summary) String() string {
	return fmt.Sprintf("%-12s count=%-10d sum=%-14s min=%-12s max=%-12s avg=%s",
		s.Kind, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

// Summarize reads r and returns one summary per kind in order of first
// appearance.
func Summarize(r io.Reader) ([]Summary, error) {
	var out []Summary
	index := map[string]int{}
	err := Read(r, func(kind string, d time.Duration) error {
		i, ok := index[kind]
		if !ok {
			i = len(out)
			index[kind] = i
			out = append(out, Summary{Kind: kind})
		}
		out[i].add(d)
		return nil
	})
	return out, err
}
