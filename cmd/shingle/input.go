package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"shingle/internal/arch"
	"shingle/internal/config"
	"shingle/internal/disasm"
	"shingle/internal/elfx"
	"shingle/internal/image"
)

var errArchRequired = errors.New("--arch is required for raw input")

// inputFlags select and describe the binary to scan.
type inputFlags struct {
	raw     bool
	arch    string
	base    string
	entries []string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Treat the input as a flat code blob instead of ELF")
	cmd.Flags().StringVar(&f.arch, "arch", "", "Decoder: nibble, arm64, x86-64, x86 (default from ELF header)")
	cmd.Flags().StringVar(&f.base, "base", "", "Load address of raw input")
	cmd.Flags().StringSliceVar(&f.entries, "entry", nil, "Trusted procedure entry (repeatable)")
}

// apply lets explicit flags override config values.
func (f *inputFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("arch") {
		cfg.Arch = f.arch
	}
	if cmd.Flags().Changed("base") {
		b, err := parseAddr(f.base)
		if err != nil {
			return err
		}
		cfg.Base = uint64(b)
	}
	for _, s := range f.entries {
		e, err := parseAddr(s)
		if err != nil {
			return err
		}
		cfg.Entries = append(cfg.Entries, uint64(e))
	}
	return cfg.Validate()
}

func parseAddr(s string) (image.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return image.Addr(v), nil
}

// input is a loaded binary ready to scan.
type input struct {
	img   image.Image
	dec   arch.Decoder
	seeds []image.Addr
	names map[image.Addr]string
}

func loadInput(path string, raw bool, cfg *config.Config) (*input, error) {
	in := &input{names: make(map[image.Addr]string)}
	if raw {
		if cfg.Arch == "" {
			return nil, errArchRequired
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		in.img = image.FromRaw(data, image.Addr(cfg.Base))
	} else {
		bin, err := elfx.Load(path)
		if err != nil {
			return nil, err
		}
		in.img = bin.Image
		in.names = bin.Symbols
		in.seeds = bin.Entries
		if cfg.Arch == "" {
			if in.dec, err = disasm.ForMachine(bin.Machine); err != nil {
				return nil, err
			}
		}
	}
	if in.dec == nil {
		dec, err := disasm.ByName(cfg.Arch)
		if err != nil {
			return nil, err
		}
		in.dec = dec
	}
	in.seeds = mergeAddrs(in.seeds, config.Addrs(cfg.Entries))
	return in, nil
}

func mergeAddrs(lists ...[]image.Addr) []image.Addr {
	seen := make(map[image.Addr]bool)
	var out []image.Addr
	for _, l := range lists {
		for _, a := range l {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// memory returns the input's memory, or nil for a nil input.
func (in *input) memory() image.Image {
	if in == nil {
		return nil
	}
	return in.img
}
