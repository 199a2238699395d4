// Package scan builds control-flow graphs from machine code: a BlockWorker
// decodes one block, the recursive scanner follows control flow from known
// procedure entries, and the shingle scanner decodes from every aligned
// offset of the executable regions.
package scan

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"shingle/internal/image"
)

var (
	// ErrWorkerFault is the only error that fails a whole scan. It wraps
	// decoder contract violations and recovered panics.
	ErrWorkerFault = errors.New("scan: worker fault")

	// ErrUnsupportedDelaySlot marks a transfer found in a delay slot.
	ErrUnsupportedDelaySlot = errors.New("scan: transfer in delay slot")
)

const (
	defaultChunkSize     = 64 << 10
	defaultMaxBlockInsts = 1 << 16
)

// Options tunes a scan.
type Options struct {
	Workers       int          // shingle worker pool size; 0 = GOMAXPROCS
	ChunkSize     int          // bytes per shingle chunk; 0 = 64 KiB
	MaxBlockInsts int          // instructions per block before forcing a fall-through; 0 = 65536
	NonReturning  []image.Addr // procedures known never to return (abort, exit)
	Logger        *slog.Logger // nil discards
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return defaultChunkSize
}

func (o Options) maxBlockInsts() int {
	if o.MaxBlockInsts > 0 {
		return o.MaxBlockInsts
	}
	return defaultMaxBlockInsts
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recoverFault turns a panic in a worker into ErrWorkerFault.
func recoverFault(err *error, where string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: panic: %v", ErrWorkerFault, where, r)
	}
}
