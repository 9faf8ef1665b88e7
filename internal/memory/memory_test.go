package memory

import (
	"errors"
	"io"
	"testing"
)

type recordingObserver struct {
	code   []uint64
	caches []uint64
}

func (r *recordingObserver) InvalidateCodeTranslation(paddr uint64, flags int) {
	r.code = append(r.code, paddr)
}

func (r *recordingObserver) InvalidateTranslationCaches(paddr uint64, flags int) {
	r.caches = append(r.caches, paddr)
}

func newTestMemory(t *testing.T, size uint64) *Memory {
	t.Helper()
	m, err := New(Options{Size: size})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func nopDevice() Device {
	return DeviceFunc(func(uint64, []byte, bool) error { return nil })
}

func TestNewRoundsToPage(t *testing.T) {
	m := newTestMemory(t, 5000)
	if got := m.Size(); got != 2*PageSize {
		t.Fatalf("Size() = %d, want %d", got, 2*PageSize)
	}
	if got := m.PhysicalMax(); got != 2*PageSize {
		t.Fatalf("PhysicalMax() = %#x, want %#x", got, 2*PageSize)
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New with zero size succeeded")
	}
}

func TestRAMPageHandles(t *testing.T) {
	m := newTestMemory(t, 4*PageSize)

	h, ok := m.RAMPage(0x2010)
	if !ok || h != 3 {
		t.Fatalf("RAMPage(0x2010) = %d, %v; want 3, true", h, ok)
	}
	if _, ok := m.RAMPage(4 * PageSize); ok {
		t.Fatalf("RAMPage past end of RAM succeeded")
	}
	if m.Page(0) != nil {
		t.Fatalf("Page(0) is not nil")
	}

	page := m.Page(h)
	page[0x10] = 0xab
	if m.RAM()[0x2010] != 0xab {
		t.Fatalf("host page does not alias RAM")
	}
	if len(page) != PageSize || cap(page) != PageSize {
		t.Fatalf("page len/cap = %d/%d", len(page), cap(page))
	}
}

func TestAddDeviceSortedAndOverlap(t *testing.T) {
	m := newTestMemory(t, PageSize)

	for _, d := range []*Mapping{
		{Name: "c", Base: 0x3000, Length: 0x100, Handler: nopDevice()},
		{Name: "a", Base: 0x1000, Length: 0x100, Handler: nopDevice()},
		{Name: "b", Base: 0x2000, Length: 0x100, Handler: nopDevice()},
	} {
		if err := m.AddDevice(d); err != nil {
			t.Fatalf("AddDevice(%s): %v", d.Name, err)
		}
	}

	var names []string
	for _, d := range m.Devices() {
		names = append(names, d.Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("device order = %v", names)
	}

	err := m.AddDevice(&Mapping{Name: "x", Base: 0x20f0, Length: 0x20, Handler: nopDevice()})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping AddDevice error = %v, want ErrOverlap", err)
	}
	if err := m.AddDevice(&Mapping{Name: "y", Base: 0x4000, Length: 0}); err == nil {
		t.Fatalf("zero length mapping accepted")
	}

	if !m.InDeviceRange(0x1000) || m.InDeviceRange(0x3100) || m.InDeviceRange(0xfff) {
		t.Fatalf("InDeviceRange bounds wrong")
	}
}

func TestFindDevice(t *testing.T) {
	m := newTestMemory(t, PageSize)
	for i := uint64(0); i < 8; i++ {
		d := &Mapping{Name: string(rune('a' + i)), Base: 0x10000 * (i + 1), Length: 0x10, Handler: nopDevice()}
		if err := m.AddDevice(d); err != nil {
			t.Fatalf("AddDevice: %v", err)
		}
	}

	tests := []struct {
		addr uint64
		name string
	}{
		{0x10000, "a"},
		{0x8000f, "h"},
		{0x40008, "d"},
		{0x20004, "b"},
		{0x70000, "g"},
	}
	for _, tt := range tests {
		d, ok := m.FindDevice(tt.addr)
		if !ok || d.Name != tt.name {
			t.Fatalf("FindDevice(%#x) = %v, %v; want %s", tt.addr, d, ok, tt.name)
		}
	}
	for _, addr := range []uint64{0x0, 0x10010, 0x4ffff, 0x90000} {
		if d, ok := m.FindDevice(addr); ok {
			t.Fatalf("FindDevice(%#x) found %s", addr, d.Name)
		}
	}
}

func TestDevicePageBuffer(t *testing.T) {
	m := newTestMemory(t, PageSize)

	buf := make([]byte, 2*PageSize)
	fb := &Mapping{
		Name:    "fb",
		Base:    0xc0000000,
		Length:  2 * PageSize,
		Flags:   DynTransOK | DynTransWriteOK,
		Handler: nopDevice(),
		Buffer:  buf,
	}
	if err := m.AddDevice(fb); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	h, ok := m.DevicePage(fb, 0xc0001004)
	if !ok {
		t.Fatalf("DevicePage failed")
	}
	m.Page(h)[4] = 7
	if buf[PageSize+4] != 7 {
		t.Fatalf("device page does not alias buffer")
	}
	if _, _, dirty := fb.Dirty(); dirty {
		t.Fatalf("fresh mapping reports dirty range")
	}

	short := &Mapping{Name: "short", Base: 0xd0000000, Length: PageSize, Flags: DynTransOK, Handler: nopDevice()}
	if err := m.AddDevice(short); err == nil {
		t.Fatalf("DynTransOK mapping without buffer accepted")
	}
}

func TestWriteAtInvalidatesCode(t *testing.T) {
	m := newTestMemory(t, 4*PageSize)
	obs := &recordingObserver{}
	m.AddObserver(obs)

	if _, err := m.WriteAt(make([]byte, PageSize+16), 0xff8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	want := []uint64{0x0, 0x1000, 0x2000}
	if len(obs.code) != len(want) {
		t.Fatalf("invalidated %#v, want %#v", obs.code, want)
	}
	for i := range want {
		if obs.code[i] != want[i] {
			t.Fatalf("invalidated %#v, want %#v", obs.code, want)
		}
	}

	if _, err := m.WriteAt([]byte{1, 2}, 4*PageSize-1); err == nil {
		t.Fatalf("WriteAt past end succeeded")
	}

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 4*PageSize-2)
	if n != 2 || err != io.EOF {
		t.Fatalf("short ReadAt = %d, %v", n, err)
	}
}
