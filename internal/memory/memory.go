// Package memory provides guest physical memory and the memory mapped device
// table shared by every CPU of a machine.
package memory

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// HostPage is a handle to one host page. Zero means no page.
type HostPage uint32

// Observer is notified of changes that affect cached translations. Every
// CPU's engine registers itself so that code invalidation reaches all CPUs.
type Observer interface {
	InvalidateCodeTranslation(paddr uint64, flags int)
	InvalidateTranslationCaches(paddr uint64, flags int)
}

// Device is a memory mapped device. Offset is relative to the base of the
// mapping. Returning an error fails the guest access.
type Device interface {
	Access(offset uint64, data []byte, write bool) error
}

// DeviceFunc adapts a function to the Device interface.
type DeviceFunc func(offset uint64, data []byte, write bool) error

func (f DeviceFunc) Access(offset uint64, data []byte, write bool) error {
	return f(offset, data, write)
}

// Mapping is one entry of the device table.
type Mapping struct {
	Name    string
	Base    uint64
	Length  uint64
	Flags   DeviceFlags
	Handler Device

	// Buffer backs DynTransOK devices. Its length must cover Length rounded
	// up to whole pages.
	Buffer []byte
	// RAMOffset is subtracted from the physical address of an EmulatedRAM
	// device to find the host RAM backing it.
	RAMOffset uint64

	// WriteLow and WriteHigh bound the device-relative range written
	// through the host TLB since the last ResetWriteRange.
	WriteLow  uint64
	WriteHigh uint64

	firstPage HostPage
}

// End returns the first address past the mapping.
func (m *Mapping) End() uint64 { return m.Base + m.Length }

// Dirty reports the written range, if any.
func (m *Mapping) Dirty() (lo, hi uint64, ok bool) {
	if m.WriteLow > m.WriteHigh {
		return 0, 0, false
	}
	return m.WriteLow, m.WriteHigh, true
}

// ResetWriteRange forgets the written range.
func (m *Mapping) ResetWriteRange() {
	m.WriteLow = ^uint64(0)
	m.WriteHigh = 0
}

// Options configure New.
type Options struct {
	// Size of RAM in bytes, rounded up to a whole page.
	Size uint64
	// PhysicalMax is the first physical address with nothing behind it.
	// Defaults to Size.
	PhysicalMax uint64
	Logger      *slog.Logger
}

// Memory is guest physical memory plus the device table.
type Memory struct {
	ram      []byte
	ramPages int
	pages    [][]byte

	devices      []*Mapping
	lastAccessed int
	devMin       uint64
	devMax       uint64

	physicalMax uint64
	observers   []Observer

	warnLimit *rate.Limiter
	log       *slog.Logger
}

var ErrOverlap = errors.New("memory: device mapping overlaps")

// New allocates guest RAM.
func New(opts Options) (*Memory, error) {
	size := (opts.Size + PageMask) &^ uint64(PageMask)
	if size == 0 {
		return nil, errors.New("memory: size must be non-zero")
	}
	ram, err := allocateRAM(size)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Memory{
		ram:         ram,
		ramPages:    int(size >> PageShift),
		physicalMax: opts.PhysicalMax,
		devMin:      ^uint64(0),
		warnLimit:   rate.NewLimiter(rate.Every(time.Second), 4),
		log:         logger,
	}
	if m.physicalMax == 0 {
		m.physicalMax = size
	}

	m.pages = make([][]byte, 1, m.ramPages+1)
	for i := 0; i < m.ramPages; i++ {
		off := i << PageShift
		m.pages = append(m.pages, ram[off:off+PageSize:off+PageSize])
	}
	return m, nil
}

// Close releases host RAM.
func (m *Memory) Close() error {
	ram := m.ram
	m.ram = nil
	m.pages = nil
	return releaseRAM(ram)
}

// Size returns the size of RAM in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.ram)) }

// PhysicalMax returns the first unimplemented physical address.
func (m *Memory) PhysicalMax() uint64 { return m.physicalMax }

// RAM returns the backing store.
func (m *Memory) RAM() []byte { return m.ram }

// Page returns the host page for h, or nil.
func (m *Memory) Page(h HostPage) []byte {
	if int(h) >= len(m.pages) {
		return nil
	}
	return m.pages[h]
}

// RAMPage returns the handle of the RAM page containing paddr.
func (m *Memory) RAMPage(paddr uint64) (HostPage, bool) {
	idx := paddr >> PageShift
	if idx >= uint64(m.ramPages) {
		return 0, false
	}
	return HostPage(idx + 1), true
}

// Logger returns the logger passed at construction.
func (m *Memory) Logger() *slog.Logger { return m.log }

// Warn logs a rate limited warning.
func (m *Memory) Warn(msg string, args ...any) {
	if m.warnLimit.Allow() {
		m.log.Warn(msg, args...)
	}
}

// AddDevice inserts a mapping into the device table, keeping it sorted by
// base address.
func (m *Memory) AddDevice(d *Mapping) error {
	if d == nil {
		return errors.New("memory: nil mapping")
	}
	if d.Name == "" {
		return errors.New("memory: mapping name must be non-empty")
	}
	if d.Length == 0 {
		return fmt.Errorf("memory: mapping %q has zero length", d.Name)
	}
	if d.Base+d.Length < d.Base {
		return fmt.Errorf("memory: mapping %q wraps the address space", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("memory: mapping %q has no handler", d.Name)
	}

	pos := sort.Search(len(m.devices), func(i int) bool { return m.devices[i].Base >= d.Base })
	if pos > 0 && m.devices[pos-1].End() > d.Base {
		return fmt.Errorf("%w: %q and %q", ErrOverlap, m.devices[pos-1].Name, d.Name)
	}
	if pos < len(m.devices) && d.End() > m.devices[pos].Base {
		return fmt.Errorf("%w: %q and %q", ErrOverlap, d.Name, m.devices[pos].Name)
	}

	if d.Flags&DynTransOK != 0 && d.Flags&EmulatedRAM == 0 {
		npages := (d.Length + PageMask) >> PageShift
		if uint64(len(d.Buffer)) < npages<<PageShift {
			return fmt.Errorf("memory: mapping %q buffer is %d bytes, need %d", d.Name, len(d.Buffer), npages<<PageShift)
		}
		d.firstPage = HostPage(len(m.pages))
		for i := uint64(0); i < npages; i++ {
			off := i << PageShift
			m.pages = append(m.pages, d.Buffer[off:off+PageSize:off+PageSize])
		}
	}
	d.ResetWriteRange()

	m.devices = append(m.devices, nil)
	copy(m.devices[pos+1:], m.devices[pos:])
	m.devices[pos] = d
	m.lastAccessed = 0

	if d.Base < m.devMin {
		m.devMin = d.Base
	}
	if d.End() > m.devMax {
		m.devMax = d.End()
	}
	m.log.Debug("memory: device mapped", "name", d.Name, "base", fmt.Sprintf("%#x", d.Base), "length", d.Length)
	return nil
}

// Devices returns the device table in address order.
func (m *Memory) Devices() []*Mapping { return m.devices }

// InDeviceRange reports whether paddr is between the lowest and highest
// mapped device address.
func (m *Memory) InDeviceRange(paddr uint64) bool {
	return paddr >= m.devMin && paddr < m.devMax
}

// FindDevice looks up the mapping containing paddr. The search starts at the
// last device found.
func (m *Memory) FindDevice(paddr uint64) (*Mapping, bool) {
	if len(m.devices) == 0 {
		return nil, false
	}
	start, end := 0, len(m.devices)-1
	i := m.lastAccessed
	for start <= end {
		d := m.devices[i]
		if paddr >= d.Base && paddr < d.End() {
			m.lastAccessed = i
			return d, true
		}
		if paddr < d.Base {
			end = i - 1
		}
		if paddr >= d.End() {
			start = i + 1
		}
		i = (start + end) >> 1
	}
	return nil, false
}

// DevicePage returns the host page backing physical address paddr inside d.
func (m *Memory) DevicePage(d *Mapping, paddr uint64) (HostPage, bool) {
	if d.Flags&EmulatedRAM != 0 {
		return m.RAMPage(paddr - d.RAMOffset)
	}
	if d.firstPage == 0 {
		return 0, false
	}
	return d.firstPage + HostPage((paddr-d.Base)>>PageShift), true
}

// AddObserver registers o for invalidation broadcasts.
func (m *Memory) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// InvalidateCodeTranslation tells every observer that code at paddr changed.
func (m *Memory) InvalidateCodeTranslation(paddr uint64, flags int) {
	for _, o := range m.observers {
		o.InvalidateCodeTranslation(paddr, flags)
	}
}

// InvalidateTranslationCaches forwards a host TLB invalidation to every
// observer.
func (m *Memory) InvalidateTranslationCaches(paddr uint64, flags int) {
	for _, o := range m.observers {
		o.InvalidateTranslationCaches(paddr, flags)
	}
}

// ReadAt reads RAM at physical offset off. It does not reach devices.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory: negative offset %d", off)
	}
	if uint64(off) >= uint64(len(m.ram)) {
		return 0, io.EOF
	}
	n := copy(p, m.ram[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes RAM at physical offset off and invalidates any translated
// code in the written pages.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory: negative offset %d", off)
	}
	if uint64(off)+uint64(len(p)) > uint64(len(m.ram)) {
		return 0, fmt.Errorf("memory: write [%#x, %#x) past end of RAM", off, uint64(off)+uint64(len(p)))
	}
	n := copy(m.ram[off:], p)
	for a := uint64(off) &^ PageMask; a < uint64(off)+uint64(n); a += PageSize {
		m.InvalidateCodeTranslation(a, InvalidatePaddr)
	}
	return n, nil
}
