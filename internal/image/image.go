// Package image provides the read-only address space that decoders and
// scanners read machine code from.
package image

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfBounds is returned when a read touches an address not backed by
// any region.
var ErrOutOfBounds = errors.New("image: address out of bounds")

// Addr is an address in a flat address space.
type Addr uint64

// Add returns a advanced by n bytes.
func (a Addr) Add(n int) Addr { return a + Addr(n) }

// Sub returns the byte distance a - o.
func (a Addr) Sub(o Addr) int64 { return int64(a) - int64(o) }

func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Image is the view of memory the core consumes.
type Image interface {
	// IsBacked reports whether addr is backed by memory.
	IsBacked(addr Addr) bool
	// IsExecutable reports whether addr lies in an executable region.
	IsExecutable(addr Addr) bool
	// Read returns exactly n bytes at addr, or ErrOutOfBounds if any of
	// them is not backed.
	Read(addr Addr, n int) ([]byte, error)
	// Regions lists the backed regions sorted by start address.
	Regions() []Region
}

// Region is a contiguous backed range [Start, Start+len(Data)).
type Region struct {
	Name       string
	Start      Addr
	Data       []byte
	Executable bool
}

// End returns the first address past the region.
func (r Region) End() Addr { return r.Start.Add(len(r.Data)) }

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr Addr) bool { return addr >= r.Start && addr < r.End() }

// Memory is an Image made of non-overlapping regions.
type Memory struct {
	regions []Region
}

// New builds a Memory from regions. Overlapping regions are rejected.
func New(regions ...Region) (*Memory, error) {
	rs := make([]Region, 0, len(regions))
	for _, r := range regions {
		if len(r.Data) == 0 {
			continue
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	for i := 1; i < len(rs); i++ {
		if rs[i].Start < rs[i-1].End() {
			return nil, fmt.Errorf("image: region %q at %s overlaps %q", rs[i].Name, rs[i].Start, rs[i-1].Name)
		}
	}
	return &Memory{regions: rs}, nil
}

// FromRaw wraps a flat code blob loaded at base as one executable region.
func FromRaw(data []byte, base Addr) *Memory {
	m, _ := New(Region{Name: "raw", Start: base, Data: data, Executable: true})
	return m
}

func (m *Memory) find(addr Addr) (Region, bool) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i], true
	}
	return Region{}, false
}

func (m *Memory) IsBacked(addr Addr) bool {
	_, ok := m.find(addr)
	return ok
}

func (m *Memory) IsExecutable(addr Addr) bool {
	r, ok := m.find(addr)
	return ok && r.Executable
}

// Read returns a slice aliasing the region data. Reads may not span regions.
func (m *Memory) Read(addr Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("image: negative read length %d", n)
	}
	r, ok := m.find(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutOfBounds, addr)
	}
	off := int(addr.Sub(r.Start))
	if off+n > len(r.Data) {
		return nil, fmt.Errorf("%w: %d bytes at %s", ErrOutOfBounds, n, addr)
	}
	return r.Data[off : off+n], nil
}

// ReadUpTo returns at most n bytes at addr, clamped to the region end.
func (m *Memory) ReadUpTo(addr Addr, n int) []byte {
	r, ok := m.find(addr)
	if !ok {
		return nil
	}
	off := int(addr.Sub(r.Start))
	end := off + n
	if end > len(r.Data) {
		end = len(r.Data)
	}
	return r.Data[off:end]
}

func (m *Memory) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Executable returns only the executable regions.
func Executable(img Image) []Region {
	var out []Region
	for _, r := range img.Regions() {
		if r.Executable {
			out = append(out, r)
		}
	}
	return out
}

type upToReader interface {
	ReadUpTo(addr Addr, n int) []byte
}

// ReadUpTo returns at most n backed bytes at addr. Variable-length decoders
// use it to fetch a maximal instruction window near the end of a region.
func ReadUpTo(img Image, addr Addr, n int) []byte {
	if r, ok := img.(upToReader); ok {
		return r.ReadUpTo(addr, n)
	}
	for ; n > 0; n-- {
		if b, err := img.Read(addr, n); err == nil {
			return b
		}
	}
	return nil
}
