package main

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// stripLog writes console output line by line with terminal escape
// sequences removed. The UART emits one byte per write, so sequences are
// only complete once a whole line is buffered.
type stripLog struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func newStripLog(w io.Writer) *stripLog { return &stripLog{w: w} }

func (s *stripLog) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	for {
		line, ok := s.nextLine()
		if !ok {
			return len(p), nil
		}
		if _, err := io.WriteString(s.w, ansi.Strip(line)); err != nil {
			return 0, err
		}
	}
}

func (s *stripLog) nextLine() (string, bool) {
	i := bytes.IndexByte(s.buf.Bytes(), '\n')
	if i < 0 {
		return "", false
	}
	return string(s.buf.Next(i + 1)), true
}

// Close writes any unterminated output.
func (s *stripLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, ansi.Strip(s.buf.String()))
	s.buf.Reset()
	return err
}
