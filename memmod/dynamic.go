package memmod

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RELR tags: the generic ones and the Android pre-standard aliases.
const (
	dtRelrSz         elf.DynTag = 35
	dtRelr           elf.DynTag = 36
	dtRelrEnt        elf.DynTag = 37
	dtAndroidRelr    elf.DynTag = 0x6fffe000
	dtAndroidRelrSz  elf.DynTag = 0x6fffe001
	dtAndroidRelrEnt elf.DynTag = 0x6fffe003
)

// Table is an array in module memory. Addr is zero when absent.
type Table struct {
	Addr uint64
	Size uint64
	Ent  uint64
}

// DynamicInfo is the decoded PT_DYNAMIC of a module. Pointer fields are
// absolute runtime addresses; zero means absent or rejected.
type DynamicInfo struct {
	// Ready is set once the walk ran over a fully mapped dynamic section.
	Ready bool

	Symtab  uint64
	Strtab  uint64
	Strsz   uint64
	Syment  uint64
	Hash    uint64
	GNUHash uint64

	Rel    Table
	Rela   Table
	Relr   Table
	JmpRel Table
	PLTRel elf.DynTag

	Init         uint64
	Fini         uint64
	InitArray    Table
	FiniArray    Table
	PreinitArray Table

	Soname  string
	Runpath string
	Rpath   string
	Needed  []string

	TextRel bool
	Flags   elf.DynFlag
	Flags1  uint64

	Verneed    uint64
	VerneedNum uint64
	Versym     uint64
}

// dynamicView describes the module bounds pointer values are checked
// against. view, when non-zero, is how much of the image is mapped so far;
// atMap marks the loader's own initial map, where no pointer has been
// relocated yet.
type dynamicView struct {
	base      uint64
	size      uint64
	delta     uint64
	view      uint64
	atMap     bool
	relocated bool
}

// abs turns a d_ptr into a runtime address, or reports it out of bounds.
func (v dynamicView) abs(ptr uint64) (uint64, bool) {
	tgt := ptr
	if v.atMap || !v.relocated || tgt < v.base || tgt > v.base+v.size {
		tgt += v.delta
	}
	if tgt < v.base || tgt > v.base+v.size {
		return 0, false
	}
	if v.atMap && v.view != 0 && tgt > v.base+v.view {
		return 0, false
	}
	return tgt, true
}

// inView reports whether [addr, addr+size) is inside the mapped part.
func (v dynamicView) inView(addr, size uint64) bool {
	limit := v.size
	if v.view != 0 {
		limit = min(v.view, v.size)
	}
	return addr >= v.base && addr+size <= v.base+limit
}

// readDynamic walks the dynamic section at dynAddr. Bad entries are dropped
// and the walk goes on; the result is only Ready when the section itself is
// inside the view.
func readDynamic(mem Memory, f format, dynAddr, dynSize uint64, v dynamicView, logger log.Logger) *DynamicInfo {
	info := &DynamicInfo{}
	if dynSize == 0 || !v.inView(dynAddr, dynSize) {
		level.Debug(logger).Log("msg", "dynamic section not mapped yet", "addr", hex(dynAddr), "size", dynSize)
		return info
	}
	raw := make([]byte, dynSize)
	if err := mem.Read(dynAddr, raw); err != nil {
		level.Debug(logger).Log("msg", "dynamic section unreadable", "addr", hex(dynAddr), "err", err)
		return info
	}

	var (
		sonameIdx  uint64
		haveSoname bool
		runpathIdx uint64
		rpathIdx   uint64
		neededIdx  []uint64
		haveGNU    bool
	)
	ptr := func(tag elf.DynTag, val uint64) uint64 {
		addr, ok := v.abs(val)
		if !ok {
			level.Debug(logger).Log("msg", "dynamic entry out of bounds", "tag", tag, "value", hex(val))
		}
		return addr
	}

	ent := f.dynSize()
walk:
	for off := uint64(0); off+ent <= dynSize; off += ent {
		tag, val := f.decodeDyn(raw[off:])
		switch tag {
		case elf.DT_NULL:
			break walk
		case elf.DT_SYMTAB:
			info.Symtab = ptr(tag, val)
		case elf.DT_STRTAB:
			info.Strtab = ptr(tag, val)
		case elf.DT_STRSZ:
			info.Strsz = val
		case elf.DT_SYMENT:
			info.Syment = val
		case elf.DT_HASH:
			if !haveGNU {
				info.Hash = ptr(tag, val)
			}
		case elf.DT_GNU_HASH:
			if addr := ptr(tag, val); addr != 0 {
				info.GNUHash = addr
				info.Hash = 0
				haveGNU = true
			}
		case elf.DT_REL:
			info.Rel.Addr = ptr(tag, val)
		case elf.DT_RELSZ:
			info.Rel.Size = val
		case elf.DT_RELENT:
			info.Rel.Ent = val
		case elf.DT_RELA:
			info.Rela.Addr = ptr(tag, val)
		case elf.DT_RELASZ:
			info.Rela.Size = val
		case elf.DT_RELAENT:
			info.Rela.Ent = val
		case dtRelr, dtAndroidRelr:
			info.Relr.Addr = ptr(tag, val)
		case dtRelrSz, dtAndroidRelrSz:
			info.Relr.Size = val
		case dtRelrEnt, dtAndroidRelrEnt:
			info.Relr.Ent = val
		case elf.DT_JMPREL:
			info.JmpRel.Addr = ptr(tag, val)
		case elf.DT_PLTRELSZ:
			info.JmpRel.Size = val
		case elf.DT_PLTREL:
			info.PLTRel = elf.DynTag(val)
		case elf.DT_INIT:
			info.Init = ptr(tag, val)
		case elf.DT_FINI:
			info.Fini = ptr(tag, val)
		case elf.DT_INIT_ARRAY:
			info.InitArray.Addr = ptr(tag, val)
		case elf.DT_INIT_ARRAYSZ:
			info.InitArray.Size = val
		case elf.DT_FINI_ARRAY:
			info.FiniArray.Addr = ptr(tag, val)
		case elf.DT_FINI_ARRAYSZ:
			info.FiniArray.Size = val
		case elf.DT_PREINIT_ARRAY:
			info.PreinitArray.Addr = ptr(tag, val)
		case elf.DT_PREINIT_ARRAYSZ:
			info.PreinitArray.Size = val
		case elf.DT_SONAME:
			sonameIdx, haveSoname = val, true
		case elf.DT_RUNPATH:
			runpathIdx = val
		case elf.DT_RPATH:
			rpathIdx = val
		case elf.DT_NEEDED:
			neededIdx = append(neededIdx, val)
		case elf.DT_TEXTREL:
			info.TextRel = true
		case elf.DT_FLAGS:
			info.Flags = elf.DynFlag(val)
			if info.Flags&elf.DF_TEXTREL != 0 {
				info.TextRel = true
			}
		case elf.DT_FLAGS_1:
			info.Flags1 = val
		case elf.DT_VERNEED:
			info.Verneed = ptr(tag, val)
		case elf.DT_VERNEEDNUM:
			info.VerneedNum = val
		case elf.DT_VERSYM:
			info.Versym = ptr(tag, val)
		}
	}
	info.Ready = true

	for _, t := range []*Table{&info.Rel, &info.Rela, &info.Relr, &info.JmpRel, &info.InitArray, &info.FiniArray, &info.PreinitArray} {
		if t.Addr != 0 && !v.inView(t.Addr, t.Size) {
			level.Debug(logger).Log("msg", "dynamic table out of bounds", "addr", hex(t.Addr), "size", t.Size)
			*t = Table{}
		}
	}

	// String indexes may precede DT_STRTAB, so they resolve after the walk.
	str := func(idx uint64) (string, bool) {
		if info.Strtab == 0 || idx >= info.Strsz {
			return "", false
		}
		addr := info.Strtab + idx
		if !v.inView(addr, 1) {
			return "", false
		}
		s, err := readCString(mem, addr, info.Strsz-idx)
		return s, err == nil
	}
	if haveSoname {
		if s, ok := str(sonameIdx); ok {
			info.Soname = s
		} else {
			level.Debug(logger).Log("msg", "soname out of bounds", "index", sonameIdx)
		}
	}
	if runpathIdx != 0 {
		info.Runpath, _ = str(runpathIdx)
	}
	if rpathIdx != 0 {
		info.Rpath, _ = str(rpathIdx)
	}
	for _, idx := range neededIdx {
		if s, ok := str(idx); ok {
			info.Needed = append(info.Needed, s)
		}
	}
	return info
}
