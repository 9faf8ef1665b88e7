// Package passthrough forwards guest accesses in a physical window to a
// remote board monitor over a text protocol.
//
// Each access is one command: a size letter, the physical address as eight
// hex digits and, for writes, the data as two hex digits per byte. Reads use
// r, B and R for 1, 2 and 4 bytes; writes use w, V and W. The monitor answers
// every command with one line. Leading '>' prompt characters are ignored and
// the rest of a read reply holds the data bytes in hex.
package passthrough

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyrange/ppcemu/internal/chipset"
)

// MinAddress is the lowest physical address that is forwarded. Accesses below
// it are dropped.
const MinAddress = 0x80000000

const (
	readLetters  = "!rB!R"
	writeLetters = "!wV!W"
)

// Config places the window.
type Config struct {
	Base   uint64
	Size   uint64
	Logger *slog.Logger
}

// Passthrough is a chipset device backed by a remote monitor.
type Passthrough struct {
	mu sync.Mutex

	base, size uint64
	r          *bufio.Reader
	w          *bufio.Writer
	closer     io.Closer
	log        *slog.Logger

	commands uint64
}

// New creates a device talking to the monitor on rw. If rw is an io.Closer it
// is closed by Stop.
func New(cfg Config, rw io.ReadWriter) *Passthrough {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Passthrough{
		base: cfg.Base,
		size: cfg.Size,
		r:    bufio.NewReader(rw),
		w:    bufio.NewWriter(rw),
		log:  log,
	}
	if c, ok := rw.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Commands returns the number of commands sent.
func (p *Passthrough) Commands() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands
}

// Start implements chipset.ChangeDeviceState.
func (p *Passthrough) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *Passthrough) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

// Reset implements chipset.ChangeDeviceState.
func (p *Passthrough) Reset() error { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (p *Passthrough) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (p *Passthrough) SupportsPollDevice() *chipset.PollDevice { return nil }

// chunk returns the largest protocol size that fits n.
func chunk(n int) int {
	switch {
	case n >= 4:
		return 4
	case n >= 2:
		return 2
	}
	return 1
}

// ReadMMIO implements chipset.MmioHandler.
func (p *Passthrough) ReadMMIO(addr uint64, data []byte) error {
	clear(data)
	if addr < MinAddress {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(data) > 0 {
		n := chunk(len(data))
		if err := p.readLocked(addr, data[:n]); err != nil {
			return err
		}
		addr += uint64(n)
		data = data[n:]
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *Passthrough) WriteMMIO(addr uint64, data []byte) error {
	if addr < MinAddress {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(data) > 0 {
		n := chunk(len(data))
		if err := p.writeLocked(addr, data[:n]); err != nil {
			return err
		}
		addr += uint64(n)
		data = data[n:]
	}
	return nil
}

func (p *Passthrough) send(cmd string) error {
	p.commands++
	if _, err := p.w.WriteString(cmd); err != nil {
		return fmt.Errorf("passthrough: send %q: %w", cmd, err)
	}
	if err := p.w.Flush(); err != nil {
		return fmt.Errorf("passthrough: send %q: %w", cmd, err)
	}
	return nil
}

func (p *Passthrough) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("passthrough: read reply: %w", err)
	}
	line = strings.TrimRightFunc(line, func(r rune) bool { return r == '\n' || r == '\r' || r == ' ' || r == '\t' })
	return strings.TrimLeft(line, ">"), nil
}

func (p *Passthrough) readLocked(addr uint64, data []byte) error {
	cmd := fmt.Sprintf("%c%08x", readLetters[len(data)], uint32(addr))
	if err := p.send(cmd); err != nil {
		return err
	}
	line, err := p.readLine()
	if err != nil {
		return err
	}
	digits := strings.Join(strings.Fields(line), "")
	if len(digits) < 2*len(data) {
		return fmt.Errorf("passthrough: short reply %q to %s", line, cmd)
	}
	if _, err := hex.Decode(data, []byte(digits[:2*len(data)])); err != nil {
		return fmt.Errorf("passthrough: bad reply %q to %s: %w", line, cmd, err)
	}
	p.log.Debug("passthrough: read", "addr", fmt.Sprintf("%#x", addr), "data", hex.EncodeToString(data))
	return nil
}

func (p *Passthrough) writeLocked(addr uint64, data []byte) error {
	cmd := fmt.Sprintf("%c%08x%s", writeLetters[len(data)], uint32(addr), hex.EncodeToString(data))
	if err := p.send(cmd); err != nil {
		return err
	}
	_, err := p.readLine()
	return err
}

var (
	_ chipset.ChipsetDevice = (*Passthrough)(nil)
	_ chipset.MmioHandler   = (*Passthrough)(nil)
)
