package output

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/disasm"
	"shingle/internal/image"
	"shingle/internal/scan"
)

// program:
//
//	0x00: bra c1, 0x06
//	0x03: call 0x10
//	0x06: jmp.d [r1+0x04]   (hoisted into a temporary)
//	0x08: alu               (delay slot)
//	0x10: ret
func program(t *testing.T) (image.Image, *cfg.Graph) {
	t.Helper()
	code := make([]byte, 0x11)
	copy(code, []byte{0x21, 0x00, 0x06, 0x30, 0x00, 0x10, 0x91, 0x04, 0x10})
	code[0x10] = 0x60
	img := image.FromRaw(code, 0)
	g, err := scan.Recursive(context.Background(), img, disasm.Nibble{}, []image.Addr{0}, scan.Options{})
	require.NoError(t, err)
	return img, g
}

func TestSnapshotRoundTrip(t *testing.T) {
	_, g := program(t)

	var buf bytes.Buffer
	require.NoError(t, EncodeGraph(&buf, g))
	got, err := DecodeGraph(&buf)
	require.NoError(t, err)

	assert.Equal(t, g.Blocks(), got.Blocks())
	assert.Equal(t, g.Edges(), got.Edges())
	assert.Equal(t, g.Entries(), got.Entries())
	assert.Equal(t, g.Candidates(), got.Candidates())
	assert.Equal(t, g.Procedures(), got.Procedures())
	for _, b := range g.Blocks() {
		if b.Invalid() {
			continue
		}
		assert.Equal(t, g.BlockEnders(b.End), got.BlockEnders(b.End))
		owner, ok := got.BlockEndOwner(b.End)
		assert.True(t, ok)
		assert.Equal(t, b.Start, owner)
	}

	hoisted, ok := got.Block(6)
	require.True(t, ok)
	require.Len(t, hoisted.Insts, 3)
	assert.True(t, hoisted.Insts[0].Synthetic())
	assert.True(t, hoisted.Insts[1].Slot)
}

func TestSnapshotFile(t *testing.T) {
	_, g := program(t)
	path := filepath.Join(t.TempDir(), "graph.msgpack")
	require.NoError(t, SaveGraph(path, g))

	got, err := LoadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, g.Stats(), got.Stats())

	_, err = LoadGraph(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSnapshotVersion(t *testing.T) {
	b, err := msgpack.Marshal(&snapshotData{Version: snapshotVersion + 1})
	require.NoError(t, err)
	_, err = DecodeGraph(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrSnapshotVersion)

	_, err = DecodeGraph(strings.NewReader("not msgpack"))
	assert.Error(t, err)
}

func TestWriteGraph(t *testing.T) {
	_, g := program(t)
	procs := callgraph.Procedures(g, nil)
	dir := t.TempDir()
	require.NoError(t, WriteGraph(dir, g, procs, true))

	blocks, err := ReadJSONL[BlockRecord](filepath.Join(dir, "blocks.jsonl"))
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	assert.Equal(t, BlockRecord{Start: "0x0", End: "0x3", Size: 3, Insts: 1, Text: []string{"bra c1, 0x6"}}, blocks[0])

	edges, err := ReadJSONL[EdgeRecord](filepath.Join(dir, "edges.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, edges, EdgeRecord{From: "0x3", To: "0x10", Kind: "call"})
	assert.Len(t, edges, len(g.Edges()))

	recs, err := ReadJSONL[ProcedureRecord](filepath.Join(dir, "procedures.jsonl"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "sub_0", recs[0].Name)
	assert.Equal(t, ProcedureRecord{Entry: "0x10", Name: "sub_10", Returns: "returns", Speculative: true, Refs: 1, Blocks: 1}, recs[1])
}

func TestWriteASM(t *testing.T) {
	img, g := program(t)
	procs := callgraph.Procedures(g, nil)
	dir := t.TempDir()
	require.NoError(t, WriteASM(dir, img, procs[0], disasm.PlaceholderLookup(map[image.Addr]string{0: "main"})))

	data, err := os.ReadFile(filepath.Join(dir, "asm", "sub_0.txt"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "[0x0,0x3):\n")
	assert.Contains(t, text, "; <main>")
	assert.Contains(t, text, "; delay slot")
}

func TestSymbolsJSON(t *testing.T) {
	dir := t.TempDir()
	names, err := ReadSymbolsJSON(dir)
	require.NoError(t, err)
	assert.Empty(t, names)

	want := map[image.Addr]string{0x10: "leaf", 0: "main"}
	require.NoError(t, WriteSymbolsJSON(dir, want))
	got, err := ReadSymbolsJSON(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
