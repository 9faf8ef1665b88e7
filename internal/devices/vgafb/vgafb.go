// Package vgafb implements a linear framebuffer. Guest stores go straight to
// the backing buffer through the host TLB, and the written range is picked
// up from the device table entry on Poll.
package vgafb

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/tinyrange/ppcemu/internal/chipset"
	"github.com/tinyrange/ppcemu/internal/memory"
)

// FourCC pixel format codes.
const (
	DRM_FORMAT_XRGB8888 = 0x34325258 // XR24
	DRM_FORMAT_BGRX8888 = 0x34325842 // BX24
	DRM_FORMAT_RGB888   = 0x34324752 // RG24
)

// DefaultBase is the PReP video memory window.
const DefaultBase = 0xc0000000

// Config describes the framebuffer layout.
type Config struct {
	Base   uint64
	Width  uint32
	Height uint32
	// Stride defaults to Width times the bytes per pixel.
	Stride uint32
	FourCC uint32
}

// Size returns the number of bytes covered by the visible frame.
func (c Config) Size() uint64 { return uint64(c.Stride) * uint64(c.Height) }

// Framebuffer is the linear framebuffer device.
type Framebuffer struct {
	mu sync.Mutex

	config  Config
	buf     []byte
	mapping *memory.Mapping

	// lo and hi bound writes that went through WriteMMIO.
	lo, hi uint64

	onFlush func(config Config, pixels []byte, lo, hi uint64)
}

// New allocates the backing buffer, rounded up to whole pages.
func New(cfg Config) (*Framebuffer, error) {
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	if cfg.FourCC == 0 {
		cfg.FourCC = DRM_FORMAT_XRGB8888
	}
	if cfg.Stride == 0 {
		cfg.Stride = cfg.Width * uint32(BytesPerPixel(cfg.FourCC))
	}
	size := cfg.Size()
	if size == 0 {
		return nil, fmt.Errorf("vgafb: invalid dimensions: %dx%d stride=%d", cfg.Width, cfg.Height, cfg.Stride)
	}
	const maxSize = 256 * 1024 * 1024
	if size > maxSize {
		return nil, fmt.Errorf("vgafb: framebuffer too large: %d bytes", size)
	}
	if cfg.Base&memory.PageMask != 0 {
		return nil, fmt.Errorf("vgafb: base 0x%x is not page aligned", cfg.Base)
	}
	pages := (size + memory.PageMask) &^ uint64(memory.PageMask)
	fb := &Framebuffer{config: cfg, buf: make([]byte, pages)}
	fb.resetRange()
	return fb, nil
}

func (f *Framebuffer) resetRange() {
	f.lo, f.hi = ^uint64(0), 0
}

// Config returns the framebuffer layout.
func (f *Framebuffer) Config() Config { return f.config }

// SetOnFlush sets a callback run from Poll when part of the frame changed.
// lo and hi are the first and last offsets written.
func (f *Framebuffer) SetOnFlush(fn func(config Config, pixels []byte, lo, hi uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFlush = fn
}

// Start implements chipset.ChangeDeviceState.
func (f *Framebuffer) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (f *Framebuffer) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (f *Framebuffer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.buf)
	f.resetRange()
	if f.mapping != nil {
		f.mapping.ResetWriteRange()
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (f *Framebuffer) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{
			Address: f.config.Base,
			Size:    f.config.Size(),
			Flags:   memory.DynTransOK | memory.DynTransWriteOK | memory.ReadsHaveNoSideEffects,
			Buffer:  f.buf,
		}},
		Handler: f,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (f *Framebuffer) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: f}
}

// Mapped implements chipset.MappingObserver.
func (f *Framebuffer) Mapped(m *memory.Mapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapping = m
}

func (f *Framebuffer) offset(addr uint64, n int) (uint64, error) {
	if addr < f.config.Base || addr+uint64(n) > f.config.Base+f.config.Size() {
		return 0, fmt.Errorf("vgafb: address 0x%x out of bounds", addr)
	}
	return addr - f.config.Base, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (f *Framebuffer) ReadMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(data, f.buf[off:])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (f *Framebuffer) WriteMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.buf[off:], data)
	f.lo = min(f.lo, off)
	f.hi = max(f.hi, off+uint64(len(data))-1)
	return nil
}

// Dirty reports the range written since the last flush, through either the
// host TLB or WriteMMIO.
func (f *Framebuffer) Dirty() (lo, hi uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirtyLocked()
}

func (f *Framebuffer) dirtyLocked() (lo, hi uint64, ok bool) {
	lo, hi = f.lo, f.hi
	if f.mapping != nil {
		if mlo, mhi, mok := f.mapping.Dirty(); mok {
			lo, hi = min(lo, mlo), max(hi, mhi)
		}
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, min(hi, f.config.Size()-1), true
}

// Poll implements chipset.PollHandler. It hands a copy of the frame to the
// flush callback when anything was written.
func (f *Framebuffer) Poll(ctx context.Context) error {
	f.mu.Lock()
	lo, hi, ok := f.dirtyLocked()
	fn := f.onFlush
	if !ok {
		f.mu.Unlock()
		return nil
	}
	f.resetRange()
	if f.mapping != nil {
		f.mapping.ResetWriteRange()
	}
	var pixels []byte
	if fn != nil {
		pixels = make([]byte, f.config.Size())
		copy(pixels, f.buf)
	}
	f.mu.Unlock()

	if fn != nil {
		fn(f.config, pixels, lo, hi)
	}
	return nil
}

// Image converts the current frame to an RGBA image.
func (f *Framebuffer) Image() *image.RGBA {
	f.mu.Lock()
	pix := ConvertToRGBA(f.buf, f.config)
	f.mu.Unlock()
	return &image.RGBA{
		Pix:    pix,
		Stride: int(f.config.Width) * 4,
		Rect:   image.Rect(0, 0, int(f.config.Width), int(f.config.Height)),
	}
}

// BytesPerPixel returns the number of bytes per pixel for a given FourCC format.
func BytesPerPixel(fourcc uint32) int {
	switch fourcc {
	case DRM_FORMAT_XRGB8888, DRM_FORMAT_BGRX8888:
		return 4
	case DRM_FORMAT_RGB888:
		return 3
	default:
		return 4
	}
}

// ConvertToRGBA converts framebuffer pixels to RGBA format.
func ConvertToRGBA(pixels []byte, config Config) []byte {
	width := int(config.Width)
	height := int(config.Height)
	stride := int(config.Stride)
	bpp := BytesPerPixel(config.FourCC)

	result := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		src := pixels[y*stride:]
		dst := result[y*width*4:]
		for x := 0; x < width; x++ {
			s, d := src[x*bpp:], dst[x*4:x*4+4]
			switch config.FourCC {
			case DRM_FORMAT_BGRX8888, DRM_FORMAT_RGB888:
				d[0], d[1], d[2] = s[0], s[1], s[2]
			default:
				// XRGB8888 is stored as BGRX.
				d[0], d[1], d[2] = s[2], s[1], s[0]
			}
			d[3] = 255
		}
	}
	return result
}

var (
	_ chipset.ChipsetDevice   = (*Framebuffer)(nil)
	_ chipset.MmioHandler     = (*Framebuffer)(nil)
	_ chipset.PollHandler     = (*Framebuffer)(nil)
	_ chipset.MappingObserver = (*Framebuffer)(nil)
)
