package memmod

import (
	"debug/elf"
	"io"
)

type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func protFromFlags(flags elf.ProgFlag) Prot {
	var p Prot
	if flags&elf.PF_R != 0 {
		p |= ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

type MapFlag uint8

const (
	// MapFixed places the mapping exactly at addr, replacing what is there.
	MapFixed MapFlag = 1 << iota
	// MapCopyOnWrite keeps writes private to the process.
	MapCopyOnWrite
)

// Memory is the address-space capability the loader is given. A nil file
// asks for an anonymous zero-filled mapping.
type Memory interface {
	Map(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error)
	Unmap(addr, size uint64) error
	Protect(addr, size uint64, prot Prot) error
	Memset(addr uint64, val byte, size uint64) error
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Replacer is implemented by memories that can remap over an existing
// reservation in one step.
type Replacer interface {
	ReplaceMap(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error)
}

// memReader exposes a Memory as an io.ReaderAt keyed by absolute address.
type memReader struct {
	mem Memory
}

func (r memReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.mem.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func readWord(mem Memory, f format, addr uint64) (uint64, error) {
	var buf [8]byte
	b := buf[:f.wordSize()]
	if err := mem.Read(addr, b); err != nil {
		return 0, err
	}
	return f.word(b), nil
}

func writeWord(mem Memory, f format, addr, v uint64) error {
	var buf [8]byte
	b := buf[:f.wordSize()]
	f.putWord(b, v)
	return mem.Write(addr, b)
}

func readUint(mem Memory, f format, addr uint64, size uint8) (uint64, error) {
	var buf [8]byte
	if err := mem.Read(addr, buf[:size]); err != nil {
		return 0, err
	}
	if size == 4 {
		return uint64(f.order.Uint32(buf[:])), nil
	}
	return f.order.Uint64(buf[:]), nil
}

func writeUint(mem Memory, f format, addr, v uint64, size uint8) error {
	var buf [8]byte
	if size == 4 {
		f.order.PutUint32(buf[:], uint32(v))
	} else {
		f.order.PutUint64(buf[:], v)
	}
	return mem.Write(addr, buf[:size])
}

// readCString reads a NUL-terminated string of at most limit bytes, one page
// fragment at a time so it never reads past the terminator's page.
func readCString(mem Memory, addr, limit uint64) (string, error) {
	var out []byte
	for limit > 0 {
		n := min(limit, alignDown(addr, pageSize)+pageSize-addr, 256)
		chunk := make([]byte, n)
		if err := mem.Read(addr, chunk); err != nil {
			return "", err
		}
		for i, c := range chunk {
			if c == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk...)
		addr += n
		limit -= n
	}
	return string(out), nil
}
