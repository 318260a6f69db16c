package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/indexing/btree"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
	"github.com/sushant-115/pagedb/pkg/logger"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

type commandRunner interface {
	processCommand(ctx context.Context, args []string) error
}

// engine owns the storage stack behind the CLI.
type engine struct {
	dm      *flushmanager.DiskManager
	bpm     *bufferpool.BufferPoolManager
	flusher *bufferpool.Flusher
	runner  commandRunner
	logger  *zap.Logger
}

func openEngine(cfg config.Config, tel *telemetry.Telemetry, out io.Writer, log *zap.Logger) (*engine, error) {
	dm, err := flushmanager.NewDiskManager(cfg.Storage.DBFilePath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk manager: %w", err)
	}
	replacer, err := bufferpool.NewReplacer(cfg.Storage.Replacer, cfg.Storage.PoolSize)
	if err != nil {
		return nil, errors.Join(err, dm.Close())
	}
	bpm := bufferpool.NewBufferPoolManager(cfg.Storage.PoolSize, dm, replacer, log)

	bpMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return nil, errors.Join(err, bpm.Close(), dm.Close())
	}
	bpm.SetMetrics(bpMetrics)
	treeMetrics, err := internaltelemetry.NewBTreeMetrics(tel.Meter)
	if err != nil {
		return nil, errors.Join(err, bpm.Close(), dm.Close())
	}

	var runner commandRunner
	if cfg.Index.KeySize > 0 {
		tree, err := btree.NewBPlusTree(cfg.Index.IndexID, bpm, btree.DefaultKeyOrder[string],
			btree.FixedStringKeyCodec(cfg.Index.KeySize), cfg.Index.LeafMaxSize, cfg.Index.InternalMaxSize, log)
		if err != nil {
			return nil, errors.Join(err, bpm.Close(), dm.Close())
		}
		tree.SetMetrics(treeMetrics)
		runner = &shell[string]{tree: tree, bpm: bpm, parseKey: parseStringKey, tracer: tel.Tracer, out: out, logger: log}
	} else {
		tree, err := btree.NewBPlusTree(cfg.Index.IndexID, bpm, btree.DefaultKeyOrder[int64],
			btree.Int64KeyCodec(), cfg.Index.LeafMaxSize, cfg.Index.InternalMaxSize, log)
		if err != nil {
			return nil, errors.Join(err, bpm.Close(), dm.Close())
		}
		tree.SetMetrics(treeMetrics)
		runner = &shell[int64]{tree: tree, bpm: bpm, parseKey: parseInt64Key, tracer: tel.Tracer, out: out, logger: log}
	}

	e := &engine{dm: dm, bpm: bpm, runner: runner, logger: log}
	if cfg.Storage.FlushInterval > 0 {
		e.flusher = bufferpool.NewFlusher(bpm, cfg.Storage.FlushInterval, cfg.Storage.FlushPagesPerSecond, log)
		if err := e.flusher.Start(); err != nil {
			return nil, errors.Join(err, e.Close())
		}
	}
	return e, nil
}

// Close stops the flusher, writes back every dirty page and closes the file.
func (e *engine) Close() error {
	var errs []error
	if e.flusher != nil {
		errs = append(errs, e.flusher.Stop())
	}
	errs = append(errs, e.bpm.Close(), e.dm.Close())
	return errors.Join(errs...)
}

func loadConfig(path, dbPath string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if dbPath != "" {
		cfg.Storage.DBFilePath = dbPath
	}
	return cfg, cfg.Validate()
}

func runInteractive(ctx context.Context, e *engine) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagedb> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("scan"),
			readline.PcItem("stats"),
			readline.PcItem("flush"),
			readline.PcItem("check"),
			readline.PcItem("dump"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "pagedb CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := e.runner.processCommand(ctx, strings.Fields(line)); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to a pagedb YAML config file")
	dbPath := flag.String("db", "", "database file, overrides storage.db_file_path")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	log = log.With(zap.String("instance_id", tel.InstanceID))

	e, err := openEngine(cfg, tel, os.Stdout, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Storage.DBFilePath), zap.Error(err))
	}

	ctx := context.Background()
	exitCode := 0
	if args := flag.Args(); len(args) > 0 {
		if err := e.runner.processCommand(ctx, args); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}
	} else if err := runInteractive(ctx, e); err != nil {
		log.Error("Interactive session failed", zap.Error(err))
		exitCode = 1
	}

	if err := e.Close(); err != nil {
		log.Error("Failed to close database cleanly", zap.Error(err))
		exitCode = 1
	}
	if err := shutdown(ctx); err != nil {
		log.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
