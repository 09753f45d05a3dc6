package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vhostfs"
	"github.com/tinyrange/vhostfs/internal/trace"
	"golang.org/x/sync/errgroup"
)

// nopTransport stands in for a vhost-user backend: the benchmark drives the
// map path directly, so the queues have nowhere to go.
type nopTransport struct{}

func (*nopTransport) Bind([]vhostfs.Queue) error { return nil }
func (*nopTransport) Unbind() error              { return nil }
func (*nopTransport) Start() error               { return nil }
func (*nopTransport) Stop() error                { return nil }
func (*nopTransport) MaskQueue(int, bool) error  { return nil }
func (*nopTransport) QueuePending(int) bool      { return false }

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	size := fs.Uint64("size", 64<<20, "cache window size in bytes (power of 2)")
	chunk := fs.Uint64("chunk", 1<<20, "bytes per batch slot (page multiple)")
	batch := fs.Int("batch", vhostfs.NumEntries, "slots per map batch")
	iters := fs.Int("iters", 256, "map/unmap batches per worker")
	workers := fs.Int("workers", runtime.GOMAXPROCS(0), "concurrent workers, each driving its own device")
	configPath := fs.String("config", "", "load the device configuration from a YAML file instead of -size")
	tracePath := fs.String("trace", "", "record a trace journal for later analysis with fstrace")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}

	pageSize := uint64(os.Getpagesize())
	chunkSize, batchN, iterN, workerN := *chunk, *batch, *iters, *workers
	if chunkSize == 0 || chunkSize%pageSize != 0 {
		return fmt.Errorf("chunk %d is not a multiple of the page size %d", chunkSize, pageSize)
	}
	if batchN < 1 || batchN > vhostfs.NumEntries {
		return fmt.Errorf("batch must be 1..%d", vhostfs.NumEntries)
	}
	if iterN < 1 || workerN < 1 {
		return fmt.Errorf("iters and workers must be at least 1")
	}

	cfg := vhostfs.Config{Tag: "daxbench", CacheSize: *size}
	if *configPath != "" {
		loaded, err := vhostfs.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if cfg.CacheSize == 0 {
		return fmt.Errorf("benchmark needs a cache window; set -size or cache_size")
	}

	span := uint64(batchN) * chunkSize
	if span > cfg.CacheSize {
		return fmt.Errorf("window %d too small for one %d byte batch; shrink -chunk/-batch or grow -size",
			cfg.CacheSize, span)
	}

	if *tracePath != "" {
		if err := trace.OpenFile(*tracePath); err != nil {
			return fmt.Errorf("open trace journal: %w", err)
		}
		defer trace.Close()
	}

	// One backing file of patterned data, mapped by every worker.
	f, err := os.Create(filepath.Join(os.TempDir(), fmt.Sprintf("daxbench-%d", os.Getpid())))
	if err != nil {
		return fmt.Errorf("create backing file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := f.Truncate(int64(span)); err != nil {
		return fmt.Errorf("allocate backing file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("map backing file: %w", err)
	}
	for i := range mm {
		mm[i] = byte(i)
	}
	if err := mm.Flush(); err != nil {
		return fmt.Errorf("flush backing file: %w", err)
	}
	if err := mm.Unmap(); err != nil {
		return fmt.Errorf("unmap backing file: %w", err)
	}

	fd := int(f.Fd())
	pb := progressbar.Default(int64(workerN * iterN))
	defer pb.Close()

	sums := make([]uint64, workerN)
	start := time.Now()

	// Each worker owns a device, so every window keeps its one-goroutine
	// control plane. Reservations are virtual space only.
	var g errgroup.Group
	for w := 0; w < workerN; w++ {
		w := w
		g.Go(func() error {
			dev, err := vhostfs.New(cfg, &nopTransport{})
			if err != nil {
				return err
			}
			defer dev.Destroy()
			if err := dev.Start(); err != nil {
				return err
			}

			msg := &vhostfs.Msg{}
			for s := 0; s < batchN; s++ {
				msg.FdOffset[s] = uint64(s) * chunkSize
				msg.CacheOffset[s] = uint64(s) * chunkSize
				msg.Len[s] = chunkSize
				msg.Flags[s] = vhostfs.FlagMapRead
			}

			window := dev.Window()
			for it := 0; it < iterN; it++ {
				if err := dev.HandleMap(msg, fd); err != nil {
					return err
				}
				data, err := window.Bytes(0, span)
				if err != nil {
					return err
				}
				// Touch one byte per page to fault the mapping in.
				for off := uint64(0); off < span; off += pageSize {
					sums[w] += uint64(data[off])
				}
				if err := dev.HandleUnmap(msg); err != nil {
					return err
				}
				pb.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	batches := workerN * iterN
	bytesMapped := uint64(batches) * span
	var checksum uint64
	for _, s := range sums {
		checksum += s
	}

	fmt.Printf("mapped %d batches (%d MiB) in %s\n", batches, bytesMapped>>20, elapsed.Round(time.Millisecond))
	fmt.Printf("%.0f batches/s, %.0f MiB/s, checksum %#x\n",
		float64(batches)/elapsed.Seconds(),
		float64(bytesMapped)/(1<<20)/elapsed.Seconds(),
		checksum)

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "daxbench: %v\n", err)
		os.Exit(1)
	}
}
