package disasm

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"shingle/internal/arch"
	"shingle/internal/image"
)

func collect(d arch.Decoder, img image.Image, at image.Addr, max int) ([]arch.Inst, error) {
	var out []arch.Inst
	for inst, err := range d.Decode(img, at) {
		out = append(out, inst)
		if err != nil {
			return out, err
		}
		if len(out) == max {
			break
		}
	}
	return out, nil
}

func TestNibbleDecode(t *testing.T) {
	img := image.FromRaw([]byte{0x10, 0x23, 0x00, 0x06, 0x31, 0x00, 0x10, 0x60}, 0)
	insts, err := collect(Nibble{}, img, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 4 {
		t.Fatalf("insts = %d, want 4", len(insts))
	}

	if insts[0].Class != arch.Linear || insts[0].Mnemonic != "alu" {
		t.Errorf("inst0 = %+v", insts[0])
	}
	bra := insts[1]
	if !bra.Class.Has(arch.Transfer | arch.Conditional) {
		t.Errorf("bra class = %s", bra.Class)
	}
	if tgt, ok := bra.ConstTarget(); !ok || tgt != 6 {
		t.Errorf("bra target = %v", bra.Target)
	}
	if bra.Len != 3 || bra.End() != 4 {
		t.Errorf("bra len = %d end = %s", bra.Len, bra.End())
	}
	if bra.Text != "bra c3, 0x6" {
		t.Errorf("bra text = %q", bra.Text)
	}
	call := insts[3]
	if !call.Class.Has(arch.Transfer|arch.Call) || call.Addr != 4 {
		t.Errorf("call = %+v", call)
	}
}

func TestNibbleTruncated(t *testing.T) {
	img := image.FromRaw([]byte{0x20}, 0)
	insts, err := collect(Nibble{}, img, 0, 0)
	if !errors.Is(err, image.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if len(insts) != 1 {
		t.Fatalf("insts = %d, want 1", len(insts))
	}
	if insts[0].Class != arch.Invalid || insts[0].Len != 1 {
		t.Errorf("truncated inst = %+v", insts[0])
	}
}

func TestNibbleInvalidOpcode(t *testing.T) {
	img := image.FromRaw([]byte{0x10, 0xF0}, 0)
	insts, err := collect(Nibble{}, img, 0, 0)
	if !errors.Is(err, arch.ErrDecodeInvalid) {
		t.Fatalf("err = %v, want ErrDecodeInvalid", err)
	}
	last := insts[len(insts)-1]
	if last.Addr != 1 || last.Len != 1 || last.Class != arch.Invalid {
		t.Errorf("invalid inst = %+v", last)
	}
}

func TestNibbleDelayedIndirect(t *testing.T) {
	img := image.FromRaw([]byte{0x93, 0x10}, 0)
	insts, _ := collect(Nibble{}, img, 0, 1)
	inst := insts[0]
	if !inst.Class.Has(arch.Transfer | arch.Delay) {
		t.Errorf("class = %s", inst.Class)
	}
	if arch.Simple(inst.Target) {
		t.Errorf("target %v should not be simple", inst.Target)
	}
	if inst.Target.String() != "[r3+0x10]" {
		t.Errorf("target = %s", inst.Target)
	}
}

func TestARM64Decode(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:], 0xd503201f)        // NOP
	binary.LittleEndian.PutUint32(data[4:], 0x94000000|2)      // BL +8
	binary.LittleEndian.PutUint32(data[8:], 0x54000000|(2<<5)) // B.EQ +8
	binary.LittleEndian.PutUint32(data[12:], 0xD65F03C0)       // RET
	img := image.FromRaw(data, 0x1000)

	insts, err := collect(ARM64{}, img, 0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if insts[0].Class != arch.Linear || !strings.Contains(strings.ToLower(insts[0].Text), "nop") {
		t.Errorf("nop = %+v", insts[0])
	}
	if tgt, ok := insts[1].ConstTarget(); !insts[1].Class.Has(arch.Call) || !ok || tgt != 0x100c {
		t.Errorf("bl = %+v", insts[1])
	}
	if tgt, ok := insts[2].ConstTarget(); !insts[2].Class.Has(arch.Conditional) || !ok || tgt != 0x1010 {
		t.Errorf("b.eq = %+v", insts[2])
	}
	if !insts[3].Class.Has(arch.Return) {
		t.Errorf("ret = %+v", insts[3])
	}
}

func TestARM64Short(t *testing.T) {
	img := image.FromRaw([]byte{0x01, 0x02}, 0)
	insts, err := collect(ARM64{}, img, 0, 0)
	if !errors.Is(err, image.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if insts[0].Len != 2 {
		t.Errorf("len = %d, want 2", insts[0].Len)
	}
}

func TestX86Decode(t *testing.T) {
	// push rbp; call +0; jz +2; jmp rax; ret
	code := []byte{
		0x55,
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0x74, 0x02,
		0xff, 0xe0,
		0xc3,
	}
	img := image.FromRaw(code, 0x400000)
	insts, err := collect(X86{}, img, 0x400000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if insts[0].Class != arch.Linear {
		t.Errorf("push class = %s", insts[0].Class)
	}
	if tgt, ok := insts[1].ConstTarget(); !insts[1].Class.Has(arch.Call) || !ok || tgt != 0x400006 {
		t.Errorf("call = %+v", insts[1])
	}
	if tgt, ok := insts[2].ConstTarget(); !insts[2].Class.Has(arch.Conditional) || !ok || tgt != 0x40000a {
		t.Errorf("jz = %+v", insts[2])
	}
	if _, ok := insts[3].Target.(arch.Reg); !ok {
		t.Errorf("jmp rax target = %#v", insts[3].Target)
	}
	if !insts[4].Class.Has(arch.Return) {
		t.Errorf("ret = %+v", insts[4])
	}
}

func TestFormat(t *testing.T) {
	img := image.FromRaw([]byte{0x10, 0x60}, 0x1000)
	insts, _ := collect(Nibble{}, img, 0x1000, 2)

	syms := map[image.Addr]string{0x1000: "entry"}
	text := Format(img, insts, PlaceholderLookup(syms))
	if !strings.Contains(text, "0x00001000") {
		t.Errorf("missing address in output: %s", text)
	}
	if !strings.Contains(text, "<entry>") {
		t.Errorf("missing symbol in output: %s", text)
	}
	if !strings.Contains(text, "60") || !strings.Contains(text, "ret") {
		t.Errorf("missing ret line: %s", text)
	}
	if Format(img, insts, nil) != Format(img, insts, nil) {
		t.Error("non-deterministic output")
	}
}

func TestFormatTargetAnnotator(t *testing.T) {
	// 0x1000: call 0x1004 ; 0x1003: alu ; 0x1004: ret
	img := image.FromRaw([]byte{0x30, 0x10, 0x04, 0x10, 0x60}, 0x1000)
	insts, _ := collect(Nibble{}, img, 0x1000, 2)

	lookup := PlaceholderLookup(map[image.Addr]string{0x1004: "leaf"})
	text := Format(img, insts, lookup, TargetAnnotator(lookup))
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasSuffix(lines[0], "; -> leaf") {
		t.Errorf("call line = %q", lines[0])
	}
	if strings.Contains(lines[1], "->") {
		t.Errorf("alu line annotated: %q", lines[1])
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"nibble", "arm64", "x86-64", "x86"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("z80"); !errors.Is(err, ErrUnknownArch) {
		t.Errorf("ByName(z80) err = %v", err)
	}
}
