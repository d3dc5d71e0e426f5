package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrMapFailed = errors.New("segment map failed")

// BaseStrategy picks where the image reservation goes. A zero value lets the
// memory choose.
type BaseStrategy struct {
	Addr  uint64
	Fixed bool
}

type MapOptions struct {
	// SeparateBSS reserves one extra no-access page after the image.
	SeparateBSS bool
	// AtomicReplace remaps segments over the reservation in one step when
	// the memory implements Replacer.
	AtomicReplace bool
	// SkipFinalWritable leaves a trailing writable segment ending at the
	// image end unmapped for the caller.
	SkipFinalWritable bool
}

type Segment struct {
	Start  uint64
	End    uint64
	Prot   Prot
	Shared bool
	Offset uint64
}

// Mapping is the result of placing one image in memory.
type Mapping struct {
	Base  uint64
	Delta uint64
	// ImageSize is the mapped span from Base; it stops short of a skipped
	// final writable segment.
	ImageSize uint64
	// ReservedSize includes the separate-bss guard page.
	ReservedSize uint64
	Segments     []Segment
	RelroStart   uint64
	RelroEnd     uint64
}

func (m *Mapping) End() uint64 {
	return m.Base + m.ImageSize
}

// Contiguous reports whether every segment touches the next one.
func (m *Mapping) Contiguous() bool {
	for i := 1; i < len(m.Segments); i++ {
		if m.Segments[i-1].End != m.Segments[i].Start {
			return false
		}
	}
	return true
}

// Contains reports whether pc falls inside one of the mapped segments.
func (m *Mapping) Contains(pc uint64) bool {
	if m.Contiguous() {
		return len(m.Segments) > 0 && pc >= m.Segments[0].Start && pc < m.Segments[len(m.Segments)-1].End
	}
	for _, s := range m.Segments {
		if pc >= s.Start && pc < s.End {
			return true
		}
	}
	return false
}

// MapSegments reserves the image span and maps every PT_LOAD segment from
// src. A failure part way through leaves the reservation and any earlier
// segments in place.
func MapSegments(mem Memory, src io.ReaderAt, l *Layout, base BaseStrategy, opts MapOptions, logger log.Logger) (*Mapping, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	size := l.ImageSize()
	reserve := size
	if opts.SeparateBSS {
		reserve += pageSize
	}

	var flags MapFlag
	if base.Fixed {
		flags |= MapFixed
	}
	libBase, err := mem.Map(nil, reserve, 0, base.Addr, ProtNone, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve %#x bytes at %#x: %v", ErrMapFailed, reserve, base.Addr, err)
	}
	m := &Mapping{
		Base:         libBase,
		Delta:        libBase - l.PreferredBase,
		ImageSize:    size,
		ReservedSize: reserve,
	}
	delta := m.Delta
	libEnd := libBase + size

	mapFile := mem.Map
	if r, ok := mem.(Replacer); ok && opts.AtomicReplace {
		mapFile = r.ReplaceMap
	}

	lastEnd := libBase
	for _, p := range l.Progs {
		switch p.Type {
		case elf.PT_GNU_RELRO:
			m.RelroStart = alignDown(p.Vaddr+delta, pageSize)
			m.RelroEnd = alignDown(p.Vaddr+p.Memsz+delta, pageSize)
			continue
		case elf.PT_LOAD:
		default:
			continue
		}

		prot := protFromFlags(p.Flags)
		segBase := alignDown(p.Vaddr, pageSize) + delta
		segEnd := alignUp(p.Vaddr+p.Filesz, pageSize) + delta
		memEnd := alignUp(p.Vaddr+p.Memsz, pageSize) + delta

		if opts.SkipFinalWritable && prot&ProtWrite != 0 && memEnd == libEnd {
			m.ImageSize = lastEnd - libBase
			level.Debug(logger).Log("msg", "skipping final writable segment", "start", hex(segBase), "end", hex(memEnd))
			break
		}

		if segBase > lastEnd {
			if err := mem.Protect(lastEnd, segBase-lastEnd, ProtNone); err != nil {
				return nil, fmt.Errorf("%w: protect hole %#x-%#x: %v", ErrMapFailed, lastEnd, segBase, err)
			}
		}

		if segEnd > segBase {
			pgOff := alignDown(p.Off, pageSize)
			if _, err := mapFile(src, segEnd-segBase, pgOff, segBase, prot|ProtWrite, MapFixed|MapCopyOnWrite); err != nil {
				return nil, fmt.Errorf("%w: segment %#x-%#x: %v", ErrMapFailed, segBase, segEnd, err)
			}
		}

		// The last file page carries bytes past p_filesz; they belong to .bss.
		fileEnd := p.Vaddr + p.Filesz + delta
		if p.Memsz > p.Filesz && segEnd > fileEnd {
			if err := mem.Memset(fileEnd, 0, segEnd-fileEnd); err != nil {
				return nil, fmt.Errorf("%w: zero bss %#x-%#x: %v", ErrMapFailed, fileEnd, segEnd, err)
			}
		}

		segEnd = memEnd
		if err := mem.Protect(segBase, segEnd-segBase, prot); err != nil {
			return nil, fmt.Errorf("%w: protect segment %#x-%#x: %v", ErrMapFailed, segBase, segEnd, err)
		}
		level.Debug(logger).Log("msg", "mapped segment", "start", hex(segBase), "end", hex(segEnd), "prot", prot)

		// Segments sharing a page are recorded from where the previous one ended.
		start := max(segBase, lastEnd)
		if segEnd > start {
			m.Segments = append(m.Segments, Segment{Start: start, End: segEnd, Prot: prot, Offset: alignDown(p.Off, pageSize)})
		}
		lastEnd = max(lastEnd, segEnd)
	}
	return m, nil
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
