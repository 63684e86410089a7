// Command ridgedb-shell is a small interactive REPL for exercising a live
// BufferPoolManager by hand: new/fetch/unpin/flush/delete pages and inspect
// pool stats, without wiring up a full query layer.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ridgedb/buffer"
	"ridgedb/internal/config"
	"ridgedb/pkg/logger"
	"ridgedb/pkg/telemetry"
	"ridgedb/storage/diskio"
	"ridgedb/storage/page"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used if omitted")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ridgedb-shell: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ridgedb-shell: logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to init telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	diskOpts := []diskio.Option{diskio.WithLogger(log)}
	if cfg.FlushRateLimitBytesPerSec > 0 {
		diskOpts = append(diskOpts, diskio.WithLimiter(rate.NewLimiter(rate.Limit(cfg.FlushRateLimitBytesPerSec), cfg.FlushRateLimitBytesPerSec)))
	}
	disk, err := diskio.Open(cfg.DataFile, diskOpts...)
	if err != nil {
		log.Fatal("failed to open data file", zap.Error(err))
	}
	defer disk.Close()

	bpm := buffer.New(cfg.PoolSize, cfg.ReplacerK, cfg.BucketSize, disk,
		buffer.WithLogger(log), buffer.WithMeter(tel.Meter), buffer.WithTracer(tel.Tracer))

	fmt.Printf("ridgedb shell (pool_size=%d, k=%d, bucket_size=%d). Type 'help' for commands, 'exit' to leave.\n",
		cfg.PoolSize, cfg.ReplacerK, cfg.BucketSize)

	repl(bpm)
}

func repl(bpm *buffer.Manager) {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("ridgedb> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nbye")
				return
			}
			fmt.Printf("error reading input: %v\n", err)
			continue
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		if err := dispatch(ctx, bpm, fields); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func dispatch(ctx context.Context, bpm *buffer.Manager, args []string) error {
	switch strings.ToLower(args[0]) {
	case "new":
		f, err := bpm.NewPage(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("allocated pid=%d\n", f.PageID())

	case "fetch":
		pid, err := parsePID(args, 1)
		if err != nil {
			return err
		}
		f, err := bpm.FetchPage(ctx, pid)
		if err != nil {
			return err
		}
		fmt.Printf("pid=%d pin_count=%d dirty=%v first_bytes=%q\n", f.PageID(), f.PinCount(), f.IsDirty(), f.Data()[:16])

	case "unpin":
		pid, err := parsePID(args, 1)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("usage: unpin <pid> <true|false>")
		}
		dirty, err := strconv.ParseBool(args[2])
		if err != nil {
			return fmt.Errorf("invalid dirty flag %q: %w", args[2], err)
		}
		fmt.Println(bpm.UnpinPage(pid, dirty))

	case "flush":
		pid, err := parsePID(args, 1)
		if err != nil {
			return err
		}
		fmt.Println(bpm.FlushPage(ctx, pid))

	case "flush-all":
		if err := bpm.FlushAllPages(ctx); err != nil {
			return err
		}
		fmt.Println("ok")

	case "delete":
		pid, err := parsePID(args, 1)
		if err != nil {
			return err
		}
		fmt.Println(bpm.DeletePage(pid))

	case "stats":
		s := bpm.Stats()
		fmt.Printf("pool_size=%d hits=%d misses=%d evictions=%d flushes=%d\n",
			bpm.PoolSize(), s.Hits, s.Misses, s.Evictions, s.Flushes)

	case "help":
		printHelp()

	case "exit", "quit":
		fmt.Println("bye")
		os.Exit(0)

	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list", args[0])
	}
	return nil
}

func parsePID(args []string, idx int) (page.PID, error) {
	if len(args) <= idx {
		return 0, fmt.Errorf("missing <pid> argument")
	}
	n, err := strconv.ParseInt(args[idx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", args[idx], err)
	}
	return page.PID(n), nil
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  new                    allocate a new page, pinned")
	fmt.Println("  fetch <pid>            fetch a page, pinning it")
	fmt.Println("  unpin <pid> <bool>     unpin a page, optionally marking it dirty")
	fmt.Println("  flush <pid>            write a page back to disk")
	fmt.Println("  flush-all              write every resident page back to disk")
	fmt.Println("  delete <pid>           remove a page from the pool")
	fmt.Println("  stats                  print pool hit/miss/eviction/flush counters")
	fmt.Println("  help                   this message")
	fmt.Println("  exit / quit            leave the shell")
}
