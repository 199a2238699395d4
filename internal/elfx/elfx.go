// Package elfx loads ELF executables and shared objects into an image.Memory
// and collects function symbols as seed entries.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"shingle/internal/image"
)

var (
	ErrNotELF    = errors.New("elfx: not an ELF file")
	ErrNoSymbol  = errors.New("elfx: symbol not found")
	ErrNoSegment = errors.New("elfx: no PT_LOAD segment covers address")
	ErrNoCode    = errors.New("elfx: no executable segment")
)

// File wraps a debug/elf.File with the loader's convenience methods.
type File struct {
	ELF  *elf.File
	raw  io.ReaderAt
	size int64
	c    io.Closer
}

// Open opens an ELF file of any class and machine.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	return &File{ELF: ef, raw: f, size: info.Size(), c: f}, nil
}

// Close releases resources.
func (f *File) Close() error {
	f.ELF.Close()
	return f.c.Close()
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// Machine returns the ELF machine, used to pick a decoder.
func (f *File) Machine() elf.Machine { return f.ELF.Machine }

// ByteOrder returns the ELF byte order.
func (f *File) ByteOrder() binary.ByteOrder { return f.ELF.ByteOrder }

// Symbol looks up a static or dynamic symbol by exact name.
// Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	for _, s := range f.symbols() {
		if s.Name == name {
			return s.Value, s.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// symbols returns .symtab followed by .dynsym. Missing tables are skipped.
func (f *File) symbols() []elf.Symbol {
	var out []elf.Symbol
	if syms, err := f.ELF.Symbols(); err == nil {
		out = append(out, syms...)
	}
	if syms, err := f.ELF.DynamicSymbols(); err == nil {
		out = append(out, syms...)
	}
	return out
}

// FuncSymbols returns defined function symbols inside executable segments,
// keyed by address. When several names share an address the first one seen
// wins.
func (f *File) FuncSymbols() map[image.Addr]string {
	out := make(map[image.Addr]string)
	for _, s := range f.symbols() {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		a := image.Addr(s.Value)
		if !f.executable(s.Value) {
			continue
		}
		if _, ok := out[a]; !ok {
			out[a] = s.Name
		}
	}
	return out
}

func (f *File) executable(va uint64) bool {
	for _, s := range f.LoadSegments() {
		if s.Flags&elf.PF_X != 0 && va >= s.Vaddr && va < s.Vaddr+s.Memsz {
			return true
		}
	}
	return false
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads up to n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	avail := f.size - int64(off)
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	if _, err := f.raw.ReadAt(buf, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf, nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}

// Image maps every PT_LOAD segment into memory. The bytes past Filesz are
// zero, and segments with PF_X are executable.
func (f *File) Image() (*image.Memory, error) {
	var regions []image.Region
	code := false
	for i, s := range f.LoadSegments() {
		if s.Memsz == 0 {
			continue
		}
		data := make([]byte, s.Memsz)
		if s.Filesz > 0 {
			n := min(s.Filesz, s.Memsz)
			if _, err := f.raw.ReadAt(data[:n], int64(s.Offset)); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("elfx: read segment %d: %w", i, err)
			}
		}
		x := s.Flags&elf.PF_X != 0
		code = code || x
		regions = append(regions, image.Region{
			Name:       fmt.Sprintf("load%d", i),
			Start:      image.Addr(s.Vaddr),
			Data:       data,
			Executable: x,
		})
	}
	if !code {
		return nil, ErrNoCode
	}
	return image.New(regions...)
}

// Binary is a loaded ELF: its memory image, machine and seed entries.
type Binary struct {
	Image   *image.Memory
	Machine elf.Machine
	Symbols map[image.Addr]string
	Entries []image.Addr // function symbols plus the ELF entry point, sorted
}

// Load opens path and maps it.
func Load(path string) (*Binary, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	bin := &Binary{
		Image:   img,
		Machine: f.Machine(),
		Symbols: f.FuncSymbols(),
	}
	seen := make(map[image.Addr]bool)
	for a := range bin.Symbols {
		seen[a] = true
	}
	if e := image.Addr(f.ELF.Entry); e != 0 && img.IsExecutable(e) {
		seen[e] = true
	}
	for a := range seen {
		bin.Entries = append(bin.Entries, a)
	}
	sort.Slice(bin.Entries, func(i, j int) bool { return bin.Entries[i] < bin.Entries[j] })
	return bin, nil
}
