package memory

// Access direction passed as the writeflag of MemoryRW and of translation
// table updates.
const (
	MemRead      = 0
	MemWrite     = 1
	MemDowngrade = 128
)

// Flags qualify a MemoryRW access.
type Flags uint32

const (
	CacheData        Flags = 0
	CacheInstruction Flags = 1
	CacheNone        Flags = 2
	CacheFlagsMask   Flags = 3

	NoExceptions Flags = 16
	Physical     Flags = 32
	UserAccess   Flags = 64
)

// Cache returns the cache selector bits of f.
func (f Flags) Cache() Flags { return f & CacheFlagsMask }

// TranslateFlags are passed to an architecture's virtual to physical
// translator.
type TranslateFlags uint32

const (
	FlagWrite        TranslateFlags = 1
	FlagNoExceptions TranslateFlags = 2
	FlagInstr        TranslateFlags = 4
	FlagUserAccess   TranslateFlags = TranslateFlags(UserAccess)
)

// Translation results. A translator returns AccessFailed when the access is
// denied, AccessOK for a read-only mapping and AccessOKWrite when the page
// may also be written. NotFullPage may be or'ed in to keep the mapping out
// of the host TLB.
const (
	AccessFailed  = 0
	AccessOK      = 1
	AccessOKWrite = 2
	NotFullPage   = 256
)

// DeviceFlags describe how a memory mapped device cooperates with the
// translation caches.
type DeviceFlags uint32

const (
	DeviceDefault DeviceFlags = 0
	// DynTransOK lets reads of the device's backing buffer go through the
	// host TLB without calling the device.
	DynTransOK DeviceFlags = 1
	// DynTransWriteOK extends DynTransOK to writes.
	DynTransWriteOK DeviceFlags = 2
	// ReadsHaveNoSideEffects allows debugger reads to reach the device.
	ReadsHaveNoSideEffects DeviceFlags = 4
	// EmulatedRAM maps the device window onto host RAM.
	EmulatedRAM DeviceFlags = 8
)

// Invalidation flags for the host TLB and the translation page store.
const (
	JustMarkNonWritable   = 1
	InvalidateAll         = 2
	InvalidatePaddr       = 4
	InvalidateVaddr       = 8
	InvalidateVaddrUpper4 = 16
	InvalidateIdentity    = 32
	InvalidateInstr       = 64
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)
