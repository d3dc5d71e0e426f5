package memmod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

// elfHash is the SysV ABI symbol hash.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// gnuHash is the DJB hash used by DT_GNU_HASH.
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// HashTable finds symbols by name in one module.
type HashTable interface {
	// Lookup returns the first acceptable definition of name.
	Lookup(name string) (Symbol, bool)
	// Kind is "sysv" or "gnu".
	Kind() string

	indexes() iter.Seq[uint32]
}

type sysvHash struct {
	st      *symbolTable
	buckets []uint32
	chain   []uint32
}

type gnuHashTable struct {
	st        *symbolTable
	symbias   uint32
	bitmask   []uint64
	bitidx    uint32
	shift     uint32
	buckets   []uint32
	chainAddr uint64
}

var errHashOutOfBounds = errors.New("hash table extends past module end")

// newSysvHash decodes a DT_HASH table at addr. limit is the module end.
func newSysvHash(st *symbolTable, addr, limit uint64) (*sysvHash, error) {
	sr := io.NewSectionReader(memReader{st.mem}, int64(addr), int64(limit-addr))
	var hdr [2]uint32
	if err := binary.Read(sr, st.f.order, &hdr); err != nil {
		return nil, fmt.Errorf("hash header: %w", err)
	}
	nbucket, nchain := uint64(hdr[0]), uint64(hdr[1])
	if nbucket == 0 || addr+8+4*(nbucket+nchain) > limit {
		return nil, errHashOutOfBounds
	}
	h := &sysvHash{st: st, buckets: make([]uint32, nbucket), chain: make([]uint32, nchain)}
	if err := binary.Read(sr, st.f.order, h.buckets); err != nil {
		return nil, fmt.Errorf("hash buckets: %w", err)
	}
	if err := binary.Read(sr, st.f.order, h.chain); err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	return h, nil
}

func (h *sysvHash) Kind() string {
	return "sysv"
}

func (h *sysvHash) Lookup(name string) (Symbol, bool) {
	hash := elfHash(name)
	for i := h.buckets[hash%uint32(len(h.buckets))]; i != 0; i = h.chain[i] {
		if int(i) >= len(h.chain) {
			break
		}
		if sym, ok := h.st.matches(i, name); ok {
			return sym, true
		}
	}
	return Symbol{}, false
}

// indexes walks nchain entries, which the ABI ties to the symtab length.
func (h *sysvHash) indexes() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for i := uint32(1); i < uint32(len(h.chain)); i++ {
			if !yield(i) {
				return
			}
		}
	}
}

// newGNUHash decodes a DT_GNU_HASH table at addr. limit is the module end.
func newGNUHash(st *symbolTable, addr, limit uint64) (*gnuHashTable, error) {
	sr := io.NewSectionReader(memReader{st.mem}, int64(addr), int64(limit-addr))
	var hdr [4]uint32
	if err := binary.Read(sr, st.f.order, &hdr); err != nil {
		return nil, fmt.Errorf("gnu hash header: %w", err)
	}
	nbuckets, symbias, nwords, shift := hdr[0], hdr[1], hdr[2], hdr[3]
	ws := st.f.wordSize()
	// The bloom index mask only works for a power-of-two word count.
	if nbuckets == 0 || nwords == 0 || nwords&(nwords-1) != 0 {
		return nil, fmt.Errorf("gnu hash: bad geometry nbuckets=%d nwords=%d", nbuckets, nwords)
	}
	chainAddr := addr + 16 + uint64(nwords)*ws + uint64(nbuckets)*4
	if chainAddr > limit {
		return nil, errHashOutOfBounds
	}

	h := &gnuHashTable{
		st:        st,
		symbias:   symbias,
		bitmask:   make([]uint64, nwords),
		bitidx:    nwords - 1,
		shift:     shift,
		buckets:   make([]uint32, nbuckets),
		chainAddr: chainAddr,
	}
	if st.f.is64() {
		if err := binary.Read(sr, st.f.order, h.bitmask); err != nil {
			return nil, fmt.Errorf("gnu hash bloom: %w", err)
		}
	} else {
		words := make([]uint32, nwords)
		if err := binary.Read(sr, st.f.order, words); err != nil {
			return nil, fmt.Errorf("gnu hash bloom: %w", err)
		}
		for i, w := range words {
			h.bitmask[i] = uint64(w)
		}
	}
	if err := binary.Read(sr, st.f.order, h.buckets); err != nil {
		return nil, fmt.Errorf("gnu hash buckets: %w", err)
	}
	return h, nil
}

func (h *gnuHashTable) Kind() string {
	return "gnu"
}

// mayContain is the bloom filter test.
func (h *gnuHashTable) mayContain(hash uint32) bool {
	bits := h.st.f.wordBits()
	entry := h.bitmask[(hash/bits)&h.bitidx]
	h1 := hash & (bits - 1)
	h2 := (hash >> h.shift) & (bits - 1)
	return (entry>>h1)&(entry>>h2)&1 != 0
}

func (h *gnuHashTable) chainWord(i uint32) (uint32, bool) {
	if i < h.symbias {
		return 0, false
	}
	var buf [4]byte
	if err := h.st.mem.Read(h.chainAddr+4*uint64(i-h.symbias), buf[:]); err != nil {
		return 0, false
	}
	return h.st.f.order.Uint32(buf[:]), true
}

func (h *gnuHashTable) Lookup(name string) (Symbol, bool) {
	hash := gnuHash(name)
	if !h.mayContain(hash) {
		return Symbol{}, false
	}
	i := h.buckets[hash%uint32(len(h.buckets))]
	if i == 0 {
		return Symbol{}, false
	}
	for ; ; i++ {
		word, ok := h.chainWord(i)
		if !ok {
			return Symbol{}, false
		}
		if (word^hash)>>1 == 0 {
			if sym, ok := h.st.matches(i, name); ok {
				return sym, true
			}
		}
		if word&1 != 0 {
			return Symbol{}, false
		}
	}
}

// indexes yields the unhashed symbols below symbias, then each bucket's
// chain once.
func (h *gnuHashTable) indexes() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for i := uint32(1); i < h.symbias; i++ {
			if !yield(i) {
				return
			}
		}
		for _, start := range h.buckets {
			if start == 0 {
				continue
			}
			for i := start; ; i++ {
				word, ok := h.chainWord(i)
				if !ok || !yield(i) {
					return
				}
				if word&1 != 0 {
					break
				}
			}
		}
	}
}
