// Package pccmos implements the PC CMOS RAM and MC146818 real time clock
// behind the ISA index and data ports.
package pccmos

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/ppcemu/internal/chipset"
	"github.com/tinyrange/ppcemu/internal/memory"
)

const (
	// RegisterCount is the size of the index/data window.
	RegisterCount = 2
	// IBMRegisterCount is the window size with the IBM extended NVRAM ports.
	IBMRegisterCount = 16
	// ExtendedNVRAMSize is the size of the IBM extended NVRAM.
	ExtendedNVRAMSize = 8192
)

// MC146818 register numbers.
const (
	RegSeconds      = 0x00
	RegSecondsAlarm = 0x01
	RegMinutes      = 0x02
	RegMinutesAlarm = 0x03
	RegHours        = 0x04
	RegHoursAlarm   = 0x05
	RegWeekday      = 0x06
	RegDay          = 0x07
	RegMonth        = 0x08
	RegYear         = 0x09
	RegA            = 0x0a
	RegB            = 0x0b
	RegC            = 0x0c
	RegD            = 0x0d
	RegCentury      = 0x32
)

const (
	regADivider = 0x40 // 32.768 kHz time base, UIP clear
	regB24Hour  = 0x02
	regBBinary  = 0x04
	regDValid   = 0x80 // valid RAM and time
)

// Config places the device and selects its features.
type Config struct {
	Base uint64
	// Clock supplies the host time. Defaults to time.Now.
	Clock func() time.Time
	// ExtendedNVRAM enables the IBM ports at offsets 4-6 and the 8 byte
	// upper window.
	ExtendedNVRAM bool
}

// CMOS is the PC CMOS/RTC device.
type CMOS struct {
	mu sync.Mutex

	base  uint64
	size  uint64
	clock func() time.Time

	// offset is added to the host clock after the guest sets the time.
	offset time.Duration

	index byte
	ram   [256]byte

	extSelect uint16
	nvram     []byte
	upper     [8]byte
}

// New creates a CMOS device.
func New(cfg Config) *CMOS {
	c := &CMOS{base: cfg.Base, size: RegisterCount, clock: cfg.Clock}
	if c.clock == nil {
		c.clock = time.Now
	}
	if cfg.ExtendedNVRAM {
		c.size = IBMRegisterCount
		c.nvram = make([]byte, ExtendedNVRAMSize)
	}
	c.resetLocked()
	return c
}

func (c *CMOS) resetLocked() {
	c.index = 0
	c.offset = 0
	c.ram = [256]byte{}
	c.ram[RegB] = regB24Hour
	c.ram[RegCentury] = 0x20
	c.extSelect = 0
	c.upper = [8]byte{}
}

// Start implements chipset.ChangeDeviceState.
func (c *CMOS) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (c *CMOS) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState. The extended NVRAM survives a
// reset.
func (c *CMOS) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *CMOS) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{
			Address: c.base,
			Size:    c.size,
			Flags:   memory.ReadsHaveNoSideEffects,
		}},
		Handler: c,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (c *CMOS) SupportsPollDevice() *chipset.PollDevice { return nil }

// NVRAM returns the extended NVRAM, or nil when it is disabled.
func (c *CMOS) NVRAM() []byte { return c.nvram }

// ReadMMIO implements chipset.MmioHandler.
func (c *CMOS) ReadMMIO(addr uint64, data []byte) error {
	if addr < c.base || addr+uint64(len(data)) > c.base+c.size {
		return fmt.Errorf("pccmos: address 0x%x out of bounds", addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range data {
		data[i] = c.readLocked(addr - c.base + uint64(i))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (c *CMOS) WriteMMIO(addr uint64, data []byte) error {
	if addr < c.base || addr+uint64(len(data)) > c.base+c.size {
		return fmt.Errorf("pccmos: address 0x%x out of bounds", addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range data {
		c.writeLocked(addr-c.base+uint64(i), v)
	}
	return nil
}

func (c *CMOS) readLocked(reg uint64) byte {
	switch {
	case reg == 0:
		return c.index
	case reg == 1:
		return c.readRegister(c.index)
	case reg == 4:
		return byte(c.extSelect)
	case reg == 5:
		return byte(c.extSelect >> 8)
	case reg == 6:
		return c.nvram[int(c.extSelect)%len(c.nvram)]
	case reg >= 8:
		return c.upper[reg&7]
	}
	return 0
}

func (c *CMOS) writeLocked(reg uint64, v byte) {
	switch {
	case reg == 0:
		c.index = v
	case reg == 1:
		c.writeRegister(c.index, v)
	case reg == 4:
		c.extSelect = c.extSelect&0xff00 | uint16(v)
	case reg == 5:
		c.extSelect = c.extSelect&0x00ff | uint16(v)<<8
	case reg == 6:
		c.nvram[int(c.extSelect)%len(c.nvram)] = v
	case reg >= 8:
		c.upper[reg&7] = v
	}
}

func (c *CMOS) now() time.Time {
	return c.clock().Add(c.offset)
}

func (c *CMOS) encode(v int) byte {
	if c.ram[RegB]&regBBinary != 0 {
		return byte(v)
	}
	return byte(v/10<<4 | v%10)
}

func (c *CMOS) decode(v byte) int {
	if c.ram[RegB]&regBBinary != 0 {
		return int(v)
	}
	return int(v>>4)*10 + int(v&0x0f)
}

func (c *CMOS) readRegister(index byte) byte {
	t := c.now()
	switch index {
	case RegSeconds:
		return c.encode(t.Second())
	case RegMinutes:
		return c.encode(t.Minute())
	case RegHours:
		return c.encode(t.Hour())
	case RegWeekday:
		return c.encode(int(t.Weekday()) + 1)
	case RegDay:
		return c.encode(t.Day())
	case RegMonth:
		return c.encode(int(t.Month()))
	case RegYear:
		return c.encode(t.Year() % 100)
	case RegA:
		return regADivider
	case RegC:
		return 0
	case RegD:
		return regDValid
	case RegCentury:
		return c.encode(t.Year() / 100)
	}
	return c.ram[index]
}

// writeRegister stores v. Writes to the time of day registers move the
// clock offset so later reads continue from the value written.
func (c *CMOS) writeRegister(index byte, v byte) {
	t := c.now()
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	switch index {
	case RegSeconds:
		second = c.decode(v)
	case RegMinutes:
		minute = c.decode(v)
	case RegHours:
		hour = c.decode(v)
	case RegDay:
		day = c.decode(v)
	case RegMonth:
		month = time.Month(c.decode(v))
	case RegYear:
		year = year/100*100 + c.decode(v)
	case RegCentury:
		year = c.decode(v)*100 + year%100
	case RegA, RegC, RegD, RegWeekday:
		return
	default:
		c.ram[index] = v
		return
	}
	set := time.Date(year, month, day, hour, minute, second, t.Nanosecond(), t.Location())
	c.offset += set.Sub(t)
}

var (
	_ chipset.ChipsetDevice = (*CMOS)(nil)
	_ chipset.MmioHandler   = (*CMOS)(nil)
)
