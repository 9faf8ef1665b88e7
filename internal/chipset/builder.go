package chipset

import (
	"errors"
	"fmt"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type mmioBinding struct {
	name    string
	region  MMIORegion
	handler MmioHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices    map[string]ChipsetDevice
	interrupts map[uint8]InterruptSink
	mmio       []mmioBinding
	polls      []PollHandler
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices:    make(map[string]ChipsetDevice),
		interrupts: make(map[uint8]InterruptSink),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return errors.New("chipset: builder is nil")
	}
	if name == "" {
		return errors.New("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q has MMIO regions but no handler", name)
		}
		for i, region := range intercept.Regions {
			rname := name
			if i > 0 {
				rname = fmt.Sprintf("%s.%d", name, i)
			}
			if err := b.withRegion(rname, region, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	if poll := dev.SupportsPollDevice(); poll != nil {
		if poll.Handler == nil {
			return fmt.Errorf("chipset: device %q has a nil poll handler", name)
		}
		b.polls = append(b.polls, poll.Handler)
	}

	b.devices[name] = dev
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(name string, base, size uint64, handler MmioHandler) error {
	if err := b.withRegion(name, MMIORegion{Address: base, Size: size}, handler); err != nil {
		return fmt.Errorf("chipset: region %q: %w", name, err)
	}
	return nil
}

func (b *ChipsetBuilder) withRegion(name string, region MMIORegion, handler MmioHandler) error {
	base, size := region.Address, region.Size
	if handler == nil {
		return fmt.Errorf("nil handler for [%#x, %#x)", base, base+size)
	}
	if size == 0 {
		return fmt.Errorf("empty region at %#x", base)
	}
	if base+size < base {
		return fmt.Errorf("region at %#x of %#x bytes wraps the address space", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf("[%#x, %#x) overlaps %q at [%#x, %#x)",
				base, base+size, existing.name, existing.region.Address, existing.region.Address+existing.region.Size)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		name:    name,
		region:  region,
		handler: handler,
	})
	return nil
}

// WithInterruptLine registers a sink for a specific interrupt line.
func (b *ChipsetBuilder) WithInterruptLine(line uint8, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("chipset: nil sink for line %d", line)
	}
	if _, exists := b.interrupts[line]; exists {
		return fmt.Errorf("chipset: line %d already has a sink", line)
	}
	b.interrupts[line] = sink
	return nil
}

// Build finalizes the chipset layout, maps every region into mem and returns
// the constructed Chipset.
func (b *ChipsetBuilder) Build(mem *memory.Memory) (*Chipset, error) {
	if b == nil {
		return nil, errors.New("chipset: builder is nil")
	}
	if mem == nil {
		return nil, errors.New("chipset: nil memory")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	for _, binding := range b.mmio {
		m := binding.mapping()
		if err := mem.AddDevice(m); err != nil {
			return nil, fmt.Errorf("chipset: map %q: %w", binding.name, err)
		}
		if obs, ok := binding.handler.(MappingObserver); ok {
			obs.Mapped(m)
		}
	}

	interrupts := make(map[uint8]InterruptSink, len(b.interrupts))
	for line, sink := range b.interrupts {
		interrupts[line] = sink
	}

	polls := make([]PollHandler, len(b.polls))
	copy(polls, b.polls)

	return &Chipset{
		devices:    devices,
		interrupts: interrupts,
		polls:      polls,
	}, nil
}

// mapping adapts the binding to the memory device table, which passes
// offsets relative to the region base.
func (m mmioBinding) mapping() *memory.Mapping {
	base, handler := m.region.Address, m.handler
	return &memory.Mapping{
		Name:   m.name,
		Base:   base,
		Length: m.region.Size,
		Flags:  m.region.Flags,
		Buffer: m.region.Buffer,
		Handler: memory.DeviceFunc(func(offset uint64, data []byte, write bool) error {
			if write {
				return handler.WriteMMIO(base+offset, data)
			}
			return handler.ReadMMIO(base+offset, data)
		}),
	}
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices    map[string]ChipsetDevice
	interrupts map[uint8]InterruptSink
	polls      []PollHandler
}
