package gdbstub

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Register numbers in the gdb PowerPC layout.
const (
	RegR0    = 0
	RegF0    = 32
	RegPC    = 64
	RegMSR   = 65
	RegCR    = 66
	RegLR    = 67
	RegCTR   = 68
	RegXER   = 69
	RegFPSCR = 70

	NumRegisters = 71
)

// registersSize is the length of a g packet payload in bytes.
const registersSize = 32*4 + 32*8 + 7*4

// Registers is the register file exchanged with gdb. All values are sent
// big-endian.
type Registers struct {
	GPR   [32]uint32
	FPR   [32]uint64
	PC    uint32
	MSR   uint32
	CR    uint32
	LR    uint32
	CTR   uint32
	XER   uint32
	FPSCR uint32
}

// Encode returns the g packet hex payload.
func (r *Registers) Encode() string {
	buf := make([]byte, 0, registersSize)
	for _, v := range r.GPR {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	for _, v := range r.FPR {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	for _, v := range r.tail() {
		buf = binary.BigEndian.AppendUint32(buf, *v)
	}
	return hex.EncodeToString(buf)
}

// Decode parses a G packet payload. A short payload leaves the remaining
// registers unchanged.
func (r *Registers) Decode(payload string) error {
	buf, err := hex.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("gdbstub: registers: %w", err)
	}
	if len(buf) > registersSize {
		return fmt.Errorf("gdbstub: registers: payload is %d bytes, want at most %d", len(buf), registersSize)
	}
	for i := range r.GPR {
		if len(buf) < 4 {
			return nil
		}
		r.GPR[i], buf = binary.BigEndian.Uint32(buf), buf[4:]
	}
	for i := range r.FPR {
		if len(buf) < 8 {
			return nil
		}
		r.FPR[i], buf = binary.BigEndian.Uint64(buf), buf[8:]
	}
	for _, v := range r.tail() {
		if len(buf) < 4 {
			return nil
		}
		*v, buf = binary.BigEndian.Uint32(buf), buf[4:]
	}
	return nil
}

func (r *Registers) tail() []*uint32 {
	return []*uint32{&r.PC, &r.MSR, &r.CR, &r.LR, &r.CTR, &r.XER, &r.FPSCR}
}

// Get returns register n as hex.
func (r *Registers) Get(n int) (string, error) {
	switch {
	case n >= RegR0 && n < RegF0:
		return hex.EncodeToString(binary.BigEndian.AppendUint32(nil, r.GPR[n])), nil
	case n >= RegF0 && n < RegPC:
		return hex.EncodeToString(binary.BigEndian.AppendUint64(nil, r.FPR[n-RegF0])), nil
	case n >= RegPC && n < NumRegisters:
		return hex.EncodeToString(binary.BigEndian.AppendUint32(nil, *r.tail()[n-RegPC])), nil
	}
	return "", fmt.Errorf("gdbstub: no register %d", n)
}

// Set stores a hex value into register n.
func (r *Registers) Set(n int, value string) error {
	buf, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("gdbstub: register %d: %w", n, err)
	}
	switch {
	case n >= RegR0 && n < RegF0 && len(buf) == 4:
		r.GPR[n] = binary.BigEndian.Uint32(buf)
	case n >= RegF0 && n < RegPC && len(buf) == 8:
		r.FPR[n-RegF0] = binary.BigEndian.Uint64(buf)
	case n >= RegPC && n < NumRegisters && len(buf) == 4:
		*r.tail()[n-RegPC] = binary.BigEndian.Uint32(buf)
	default:
		return fmt.Errorf("gdbstub: bad write of %d bytes to register %d", len(buf), n)
	}
	return nil
}
