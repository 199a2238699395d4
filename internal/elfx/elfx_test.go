package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shingle/internal/image"
)

// strtab accumulates a string table.
type strtab struct{ bytes.Buffer }

func newStrtab() *strtab {
	s := &strtab{}
	s.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

// buildELF writes a little-endian ELF64 executable with a code segment at
// 0x1000, a data segment at 0x2000 (with 8 bytes of bss) and a symbol table.
func buildELF(t *testing.T, machine elf.Machine, code []byte) string {
	t.Helper()
	const (
		codeOff = 0x100
		dataOff = 0x200
		symOff  = 0x300
	)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	str := newStrtab()
	syms := []elf.Sym64{
		{},
		{Name: str.add("main"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: 0x1000, Size: 4},
		{Name: str.add("helper"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: 0x1004, Size: 1},
		{Name: str.add("alias"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: 0x1004, Size: 1},
		{Name: str.add("table"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Shndx: 2, Value: 0x2000, Size: 8},
		{Name: str.add("puts"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: uint16(elf.SHN_UNDEF)},
	}
	var symBuf bytes.Buffer
	require.NoError(t, binary.Write(&symBuf, binary.LittleEndian, syms))

	shstr := newStrtab()
	strOff := symOff + symBuf.Len()
	shstrOff := strOff + str.Len()
	shOff := (shstrOff + 64 + 7) &^ 7 // room for shstrtab names

	secs := []elf.Section64{
		{},
		{Name: shstr.add(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: 0x1000, Off: codeOff, Size: uint64(len(code)), Addralign: 4},
		{Name: shstr.add(".data"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: 0x2000, Off: dataOff, Size: uint64(len(data)), Addralign: 8},
		{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint64(symBuf.Len()),
			Link: 4, Info: 1, Addralign: 8, Entsize: 24},
		{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Off: uint64(strOff), Size: uint64(str.Len()), Addralign: 1},
	}
	secs = append(secs, elf.Section64{Name: shstr.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB),
		Off: uint64(shstrOff), Size: uint64(shstr.Len()), Addralign: 1})
	require.Less(t, shstr.Len(), 64)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x1000,
		Phoff:     64,
		Shoff:     uint64(shOff),
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     2,
		Shentsize: 64,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(len(secs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	progs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: codeOff, Vaddr: 0x1000, Paddr: 0x1000,
			Filesz: uint64(len(code)), Memsz: uint64(len(code)), Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: dataOff, Vaddr: 0x2000, Paddr: 0x2000,
			Filesz: uint64(len(data)), Memsz: uint64(len(data)) + 8, Align: 0x1000},
	}

	buf := make([]byte, shOff)
	var head bytes.Buffer
	require.NoError(t, binary.Write(&head, binary.LittleEndian, hdr))
	require.NoError(t, binary.Write(&head, binary.LittleEndian, progs))
	copy(buf, head.Bytes())
	copy(buf[codeOff:], code)
	copy(buf[dataOff:], data)
	copy(buf[symOff:], symBuf.Bytes())
	copy(buf[strOff:], str.Bytes())
	copy(buf[shstrOff:], shstr.Bytes())

	var sh bytes.Buffer
	require.NoError(t, binary.Write(&sh, binary.LittleEndian, secs))
	buf = append(buf, sh.Bytes()...)

	path := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestOpenValid(t *testing.T) {
	path := buildELF(t, elf.EM_AARCH64, []byte{0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03, 0x5f, 0xd6})
	ef, err := Open(path)
	require.NoError(t, err)
	defer ef.Close()

	if ef.FileSize() == 0 {
		t.Error("file size is 0")
	}
	assert.Equal(t, elf.EM_AARCH64, ef.Machine())
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), ef.ByteOrder())
	assert.Len(t, ef.LoadSegments(), 2)
}

func TestOpenRejectsNonELF(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(tmp, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(tmp)
	assert.ErrorIs(t, err, ErrNotELF)

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSymbolLookup(t *testing.T) {
	ef, err := Open(buildELF(t, elf.EM_X86_64, []byte{0x90, 0x90, 0x90, 0xc3, 0xc3}))
	require.NoError(t, err)
	defer ef.Close()

	va, size, err := ef.Symbol("helper")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1004), va)
	assert.Equal(t, uint64(1), size)

	_, _, err = ef.Symbol("_kNonExistentSymbol")
	assert.ErrorIs(t, err, ErrNoSymbol)
}

func TestFuncSymbols(t *testing.T) {
	ef, err := Open(buildELF(t, elf.EM_X86_64, []byte{0x90, 0x90, 0x90, 0xc3, 0xc3}))
	require.NoError(t, err)
	defer ef.Close()

	// Objects and undefined imports are skipped; the first alias wins.
	assert.Equal(t, map[image.Addr]string{0x1000: "main", 0x1004: "helper"}, ef.FuncSymbols())
}

func TestVAToFileOffset(t *testing.T) {
	ef, err := Open(buildELF(t, elf.EM_X86_64, []byte{0x90, 0x90, 0x90, 0xc3, 0xc3}))
	require.NoError(t, err)
	defer ef.Close()

	off, err := ef.VAToFileOffset(0x1003)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x103), off)

	b, err := ef.ReadBytesAtVA(0x1003, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc3, 0xc3}, b)

	// bss has no file backing.
	_, err = ef.VAToFileOffset(0x2008)
	assert.ErrorIs(t, err, ErrNoSegment)
	_, err = ef.VAToFileOffset(0x5000)
	assert.ErrorIs(t, err, ErrNoSegment)
}

func TestLoad(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0xc3, 0xc3}
	bin, err := Load(buildELF(t, elf.EM_X86_64, code))
	require.NoError(t, err)

	assert.Equal(t, elf.EM_X86_64, bin.Machine)
	assert.Equal(t, []image.Addr{0x1000, 0x1004}, bin.Entries)

	assert.True(t, bin.Image.IsExecutable(0x1000))
	assert.False(t, bin.Image.IsExecutable(0x2000))
	assert.True(t, bin.Image.IsBacked(0x200f))
	assert.False(t, bin.Image.IsBacked(0x2010))

	got, err := bin.Image.Read(0x1000, len(code))
	require.NoError(t, err)
	assert.Equal(t, code, got)

	bss, err := bin.Image.Read(0x2008, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), bss)
}
