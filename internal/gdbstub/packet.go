package gdbstub

import "fmt"

const interruptByte = 0x03

type event int

const (
	eventNone event = iota
	eventPacket
	eventBadPacket
	eventInterrupt
	eventAck
	eventNak
)

type parseState int

const (
	stateIdle parseState = iota
	stateData
	stateCsum1
	stateCsum2
)

// parser assembles packets one byte at a time, so input can be consumed
// without blocking and a partial packet survives between calls.
type parser struct {
	state parseState
	data  []byte
	sum   byte
	want  byte
}

func (p *parser) feed(b byte) (event, string) {
	switch p.state {
	case stateIdle:
		switch b {
		case '$':
			p.state, p.data, p.sum = stateData, p.data[:0], 0
		case '+':
			return eventAck, ""
		case '-':
			return eventNak, ""
		case interruptByte:
			return eventInterrupt, ""
		}
	case stateData:
		switch b {
		case '#':
			p.state = stateCsum1
		case '$':
			p.data, p.sum = p.data[:0], 0
		default:
			p.data = append(p.data, b)
			p.sum += b
		}
	case stateCsum1:
		p.want = unhex(b) << 4
		p.state = stateCsum2
	case stateCsum2:
		p.want |= unhex(b)
		p.state = stateIdle
		if p.want != p.sum {
			return eventBadPacket, ""
		}
		return eventPacket, string(p.data)
	}
	return eventNone, ""
}

func unhex(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	}
	return 0
}

func checksum(data string) byte {
	var sum byte
	for i := 0; i < len(data); i++ {
		sum += data[i]
	}
	return sum
}

// frame wraps data as $data#cs.
func frame(data string) string {
	return fmt.Sprintf("$%s#%02x", data, checksum(data))
}
