package scan

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/disasm"
	"shingle/internal/diverge"
	"shingle/internal/image"
)

func parse(t *testing.T, code []byte, at image.Addr, opts Options) Result {
	t.Helper()
	w := NewBlockWorker(image.FromRaw(code, 0), disasm.Nibble{}, nil, nil, opts)
	r, err := w.Parse(at)
	require.NoError(t, err)
	return r
}

func TestParseReturn(t *testing.T) {
	r := parse(t, []byte{0x10, 0x60, 0x10}, 0, Options{})
	assert.Equal(t, EndFound, r.State)
	assert.True(t, r.Returns)
	assert.Equal(t, image.Addr(2), r.Block.End)
	assert.Empty(t, r.Edges)
	assert.Len(t, r.Block.Insts, 2)
}

func TestParseEdges(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []cfg.Edge
	}{
		{"jump", []byte{0x10, 0x20, 0x00, 0x09}, []cfg.Edge{
			{From: 0, To: 9, Kind: cfg.DirectJump},
		}},
		{"conditional", []byte{0x23, 0x00, 0x09, 0x10}, []cfg.Edge{
			{From: 0, To: 9, Kind: cfg.DirectJump},
			{From: 0, To: 3, Kind: cfg.DirectJump},
		}},
		{"call", []byte{0x30, 0x00, 0x09, 0x60}, []cfg.Edge{
			{From: 0, To: 9, Kind: cfg.Call},
			{From: 0, To: 3, Kind: cfg.FallThrough},
		}},
		{"indirect jump", []byte{0x10, 0x72}, nil},
		{"indirect call", []byte{0x82, 0x60}, []cfg.Edge{
			{From: 0, To: 1, Kind: cfg.FallThrough},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parse(t, tt.code, 0, Options{})
			assert.Equal(t, EndFound, r.State)
			assert.Equal(t, tt.want, r.Edges)
			assert.False(t, r.Block.Invalid())
		})
	}
}

func TestParseCallToDivergingTarget(t *testing.T) {
	img := image.FromRaw([]byte{0x30, 0x00, 0x09, 0x60}, 0)
	w := NewBlockWorker(img, disasm.Nibble{}, nil, diverge.NewSet(9), Options{})
	r, err := w.Parse(0)
	require.NoError(t, err)
	assert.Equal(t, []cfg.Edge{{From: 0, To: 9, Kind: cfg.Call}}, r.Edges)
}

func TestParseTailCall(t *testing.T) {
	g := cfg.New()
	g.AddEntry(0)
	g.AddEntry(0x10)
	img := image.FromRaw([]byte{0x20, 0x00, 0x10, 0x20, 0x00, 0x00}, 0)
	w := NewBlockWorker(img, disasm.Nibble{}, g, nil, Options{})

	r, err := w.For(0).Parse(0)
	require.NoError(t, err)
	assert.Equal(t, []cfg.Edge{{From: 0, To: 0x10, Kind: cfg.TailCall}}, r.Edges)

	// A jump back to the worker's own entry is a loop, not a tail call.
	r, err = w.For(0).Parse(3)
	require.NoError(t, err)
	assert.Equal(t, []cfg.Edge{{From: 3, To: 0, Kind: cfg.DirectJump}}, r.Edges)

	// Without an owner there is no tail-call detection.
	r, err = w.Parse(0)
	require.NoError(t, err)
	assert.Equal(t, cfg.DirectJump, r.Edges[0].Kind)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		at    image.Addr
		end   image.Addr
		fault cfg.Fault
		insts int
	}{
		{"bad opcode", []byte{0x10, 0xA0, 0x60}, 0, 2, cfg.FaultDecodeInvalid, 1},
		{"truncated", []byte{0x20}, 0, 1, cfg.FaultOutOfBounds, 0},
		{"truncated after alu", []byte{0x10, 0x30, 0x00}, 0, 3, cfg.FaultOutOfBounds, 1},
		{"run off the end", []byte{0x10, 0x10}, 0, 2, cfg.FaultOutOfBounds, 2},
		{"start unmapped", []byte{0x60}, 5, 5, cfg.FaultOutOfBounds, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parse(t, tt.code, tt.at, Options{})
			assert.Equal(t, Invalid, r.State)
			assert.Equal(t, tt.fault, r.Block.Fault)
			assert.Equal(t, tt.end, r.Block.End)
			assert.Len(t, r.Block.Insts, tt.insts)
			assert.Empty(t, r.Edges)
			assert.Error(t, r.Err)
		})
	}
}

func TestParseNonExecutable(t *testing.T) {
	img, err := image.New(
		image.Region{Name: "text", Start: 0, Data: []byte{0x10, 0x10}, Executable: true},
		image.Region{Name: "data", Start: 2, Data: []byte{0x60}},
	)
	require.NoError(t, err)
	w := NewBlockWorker(img, disasm.Nibble{}, nil, nil, Options{})

	r, err := w.Parse(0)
	require.NoError(t, err)
	assert.Equal(t, cfg.FaultOutOfBounds, r.Block.Fault)
	assert.Equal(t, image.Addr(2), r.Block.End)

	r, err = w.Parse(2)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Block.Size())
	assert.True(t, errors.Is(r.Err, image.ErrOutOfBounds))
}

func TestParseDelaySlot(t *testing.T) {
	// jmp.d 0x9 ; alu (slot) ; ret
	r := parse(t, []byte{0x40, 0x00, 0x09, 0x11, 0x60}, 0, Options{})
	require.Equal(t, EndFound, r.State)
	assert.Equal(t, image.Addr(4), r.Block.End)
	require.Len(t, r.Block.Insts, 2)

	slot, jmp := r.Block.Insts[0], r.Block.Insts[1]
	assert.True(t, slot.Slot)
	assert.Equal(t, image.Addr(3), slot.Addr)
	assert.Equal(t, image.Addr(0), jmp.Addr)
	last, _ := r.Block.Terminator()
	assert.Equal(t, jmp, last)
	assert.Equal(t, []cfg.Edge{{From: 0, To: 9, Kind: cfg.DirectJump}}, r.Edges)
	assert.False(t, r.Block.Boundary(3), "slot instruction is not a split point")
}

func TestParseDelaySlotHoist(t *testing.T) {
	// jmp.d [r1+0x08] ; alu (slot)
	r := parse(t, []byte{0x91, 0x08, 0x10}, 0, Options{})
	require.Equal(t, EndFound, r.State)
	require.Len(t, r.Block.Insts, 3)

	hoist, slot, jmp := r.Block.Insts[0], r.Block.Insts[1], r.Block.Insts[2]
	require.True(t, hoist.Synthetic())
	assert.Equal(t, arch.Temp{ID: 0}, hoist.Def.Dst)
	assert.Equal(t, arch.Mem{Expr: "r1+0x08"}, hoist.Def.Src)
	assert.True(t, slot.Slot)
	assert.Equal(t, arch.Temp{ID: 0}, jmp.Target)
	assert.True(t, arch.Simple(jmp.Target))
	assert.Empty(t, r.Edges)
	assert.ElementsMatch(t, []image.Addr{0, 2}, r.Block.InstAddrs())
}

func TestParseTransferInDelaySlot(t *testing.T) {
	r := parse(t, []byte{0x40, 0x00, 0x09, 0x60}, 0, Options{})
	assert.Equal(t, Invalid, r.State)
	assert.Equal(t, cfg.FaultDelaySlot, r.Block.Fault)
	assert.True(t, errors.Is(r.Err, ErrUnsupportedDelaySlot))
	assert.Equal(t, image.Addr(4), r.Block.End)
	assert.Empty(t, r.Edges)
}

func TestParseInstructionCap(t *testing.T) {
	r := parse(t, []byte{0x10, 0x10, 0x10, 0x60}, 0, Options{MaxBlockInsts: 2})
	assert.Equal(t, EndFound, r.State)
	assert.Equal(t, image.Addr(2), r.Block.End)
	assert.Equal(t, []cfg.Edge{{From: 0, To: 2, Kind: cfg.FallThrough}}, r.Edges)
}

// skewed yields an instruction at the wrong address.
type skewed struct{ disasm.Nibble }

func (skewed) Decode(_ image.Image, at image.Addr) iter.Seq2[arch.Inst, error] {
	return func(yield func(arch.Inst, error) bool) {
		yield(arch.Inst{Addr: at + 1, Len: 1, Class: arch.Linear}, nil)
	}
}

// silent ends its sequence without reporting a failure.
type silent struct{ disasm.Nibble }

func (silent) Decode(image.Image, image.Addr) iter.Seq2[arch.Inst, error] {
	return func(func(arch.Inst, error) bool) {}
}

func TestParseContractViolation(t *testing.T) {
	img := image.FromRaw([]byte{0x10, 0x10, 0x60}, 0)
	for _, dec := range []arch.Decoder{skewed{}, silent{}} {
		w := NewBlockWorker(img, dec, nil, nil, Options{})
		_, err := w.Parse(0)
		if !errors.Is(err, ErrWorkerFault) {
			t.Errorf("%T: err = %v, want ErrWorkerFault", dec, err)
		}
	}
}
