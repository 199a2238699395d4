package output

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

// snapshotVersion is bumped whenever the encoded layout changes.
const snapshotVersion = 1

// ErrSnapshotVersion is returned when loading a snapshot written by an
// incompatible version.
var ErrSnapshotVersion = errors.New("output: unsupported snapshot version")

const (
	opConst uint8 = iota + 1
	opReg
	opMem
	opTemp
)

type operandData struct {
	Kind  uint8  `msgpack:"k"`
	Value uint64 `msgpack:"v,omitempty"`
	Name  string `msgpack:"n,omitempty"`
}

type instData struct {
	Addr     uint64       `msgpack:"addr"`
	Len      int          `msgpack:"len"`
	Class    uint16       `msgpack:"class"`
	Mnemonic string       `msgpack:"mnemonic"`
	Text     string       `msgpack:"text,omitempty"`
	Target   *operandData `msgpack:"target,omitempty"`
	Cond     *operandData `msgpack:"cond,omitempty"`
	DefDst   int          `msgpack:"def_dst,omitempty"`
	DefSrc   *operandData `msgpack:"def_src,omitempty"`
	Slot     bool         `msgpack:"slot,omitempty"`
}

type blockData struct {
	Start uint64     `msgpack:"start"`
	End   uint64     `msgpack:"end"`
	Fault uint8      `msgpack:"fault,omitempty"`
	Insts []instData `msgpack:"insts"`
}

type edgeData struct {
	From uint64 `msgpack:"from"`
	To   uint64 `msgpack:"to"`
	Kind uint8  `msgpack:"kind"`
}

type snapshotData struct {
	Version    int                 `msgpack:"version"`
	Blocks     []blockData         `msgpack:"blocks"`
	Edges      []edgeData          `msgpack:"edges"`
	Entries    []uint64            `msgpack:"entries"`
	Candidates []uint64            `msgpack:"candidates"`
	Ends       map[uint64][]uint64 `msgpack:"ends"`
	Returns    map[uint64]uint32   `msgpack:"returns"`
}

func encodeOperand(op arch.Operand) *operandData {
	switch o := op.(type) {
	case nil:
		return nil
	case arch.Const:
		return &operandData{Kind: opConst, Value: uint64(o.Value)}
	case arch.Reg:
		return &operandData{Kind: opReg, Name: o.Name}
	case arch.Mem:
		return &operandData{Kind: opMem, Name: o.Expr}
	case arch.Temp:
		return &operandData{Kind: opTemp, Value: uint64(o.ID)}
	}
	panic(fmt.Sprintf("output: unknown operand %T", op))
}

func decodeOperand(d *operandData) (arch.Operand, error) {
	if d == nil {
		return nil, nil
	}
	switch d.Kind {
	case opConst:
		return arch.Const{Value: image.Addr(d.Value)}, nil
	case opReg:
		return arch.Reg{Name: d.Name}, nil
	case opMem:
		return arch.Mem{Expr: d.Name}, nil
	case opTemp:
		return arch.Temp{ID: int(d.Value)}, nil
	}
	return nil, fmt.Errorf("output: unknown operand kind %d", d.Kind)
}

func encodeInst(in arch.Inst) instData {
	d := instData{
		Addr:     uint64(in.Addr),
		Len:      in.Len,
		Class:    uint16(in.Class),
		Mnemonic: in.Mnemonic,
		Text:     in.Text,
		Target:   encodeOperand(in.Target),
		Cond:     encodeOperand(in.Cond),
		Slot:     in.Slot,
	}
	if in.Def != nil {
		d.DefDst = in.Def.Dst.ID
		d.DefSrc = encodeOperand(in.Def.Src)
	}
	return d
}

func decodeInst(d instData) (arch.Inst, error) {
	in := arch.Inst{
		Addr:     image.Addr(d.Addr),
		Len:      d.Len,
		Class:    arch.Class(d.Class),
		Mnemonic: d.Mnemonic,
		Text:     d.Text,
		Slot:     d.Slot,
	}
	var err error
	if in.Target, err = decodeOperand(d.Target); err != nil {
		return in, err
	}
	if in.Cond, err = decodeOperand(d.Cond); err != nil {
		return in, err
	}
	if d.DefSrc != nil {
		src, err := decodeOperand(d.DefSrc)
		if err != nil {
			return in, err
		}
		in.Def = &arch.Assign{Dst: arch.Temp{ID: d.DefDst}, Src: src}
	}
	return in, nil
}

// EncodeGraph writes g to w as msgpack.
func EncodeGraph(w io.Writer, g *cfg.Graph) error {
	data := snapshotData{
		Version: snapshotVersion,
		Ends:    make(map[uint64][]uint64),
		Returns: make(map[uint64]uint32),
	}
	for _, b := range g.Blocks() {
		bd := blockData{Start: uint64(b.Start), End: uint64(b.End), Fault: uint8(b.Fault)}
		for _, in := range b.Insts {
			bd.Insts = append(bd.Insts, encodeInst(in))
		}
		data.Blocks = append(data.Blocks, bd)
		if _, done := data.Ends[uint64(b.End)]; done {
			continue
		}
		for _, s := range g.BlockEnders(b.End) {
			data.Ends[uint64(b.End)] = append(data.Ends[uint64(b.End)], uint64(s))
		}
	}
	for _, e := range g.Edges() {
		data.Edges = append(data.Edges, edgeData{From: uint64(e.From), To: uint64(e.To), Kind: uint8(e.Kind)})
	}
	for _, a := range g.Entries() {
		data.Entries = append(data.Entries, uint64(a))
	}
	for _, a := range g.Candidates() {
		data.Candidates = append(data.Candidates, uint64(a))
	}
	for _, p := range g.Procedures() {
		if p.Returns != cfg.Unknown {
			data.Returns[uint64(p.Entry)] = uint32(p.Returns)
		}
	}

	if err := msgpack.NewEncoder(w).Encode(&data); err != nil {
		return fmt.Errorf("output: encode snapshot: %w", err)
	}
	return nil
}

// DecodeGraph reads a graph written by EncodeGraph.
func DecodeGraph(r io.Reader) (*cfg.Graph, error) {
	var data snapshotData
	if err := msgpack.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("output: decode snapshot: %w", err)
	}
	if data.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, data.Version)
	}

	g := cfg.New()
	for _, bd := range data.Blocks {
		b := &cfg.Block{Start: image.Addr(bd.Start), End: image.Addr(bd.End), Fault: cfg.Fault(bd.Fault)}
		for _, id := range bd.Insts {
			in, err := decodeInst(id)
			if err != nil {
				return nil, err
			}
			b.Insts = append(b.Insts, in)
		}
		g.TryRegisterBlockStart(b)
	}
	for end, starts := range data.Ends {
		for _, s := range starts {
			g.TryRegisterBlockEnd(image.Addr(end), image.Addr(s))
		}
	}
	for _, a := range data.Candidates {
		g.TryClaimStart(image.Addr(a))
	}
	for _, a := range data.Entries {
		g.AddEntry(image.Addr(a))
	}
	for _, ed := range data.Edges {
		g.AddEdge(cfg.Edge{From: image.Addr(ed.From), To: image.Addr(ed.To), Kind: cfg.EdgeKind(ed.Kind)})
	}
	for a, st := range data.Returns {
		g.SetReturns(image.Addr(a), cfg.ReturnStatus(st))
	}
	return g, nil
}

// SaveGraph writes a snapshot of g to path.
func SaveGraph(path string, g *cfg.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()
	if err := EncodeGraph(f, g); err != nil {
		return err
	}
	return f.Close()
}

// LoadGraph reads a snapshot from path.
func LoadGraph(path string) (*cfg.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeGraph(f)
}
