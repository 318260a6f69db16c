package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/core/indexing/btree"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

var errExit = errors.New("exit requested")

// shell executes CLI commands against a single index.
type shell[K any] struct {
	tree     *btree.BPlusTree[K]
	bpm      *bufferpool.BufferPoolManager
	parseKey func(string) (K, error)
	tracer   trace.Tracer
	out      io.Writer
	logger   *zap.Logger
}

func parseInt64Key(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func parseStringKey(s string) (string, error) {
	return s, nil
}

// parseRowID accepts "page:slot".
func parseRowID(s string) (pagemanager.RowID, error) {
	pagePart, slotPart, ok := strings.Cut(s, ":")
	if !ok {
		return pagemanager.InvalidRowID, fmt.Errorf("value %q must be <page>:<slot>", s)
	}
	pageID, err := strconv.ParseInt(pagePart, 10, 32)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("invalid page in %q: %w", s, err)
	}
	slot, err := strconv.ParseUint(slotPart, 10, 32)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("invalid slot in %q: %w", s, err)
	}
	return pagemanager.RowID{PageID: pagemanager.PageID(pageID), SlotNum: uint32(slot)}, nil
}

func formatRowID(r pagemanager.RowID) string {
	return fmt.Sprintf("%d:%d", r.PageID, r.SlotNum)
}

// processCommand runs one command. It returns errExit for exit/quit.
func (s *shell[K]) processCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}
	command := strings.ToLower(args[0])

	_, span := s.tracer.Start(ctx, "cli."+command, trace.WithAttributes(
		attribute.Int("args", len(args)-1),
	))
	defer span.End()

	err := s.dispatch(command, args[1:])
	if err != nil && !errors.Is(err, errExit) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("Command failed", zap.String("command", command), zap.Error(err))
	}
	return err
}

func (s *shell[K]) dispatch(command string, args []string) error {
	switch command {
	case "put":
		if len(args) != 2 {
			return errors.New("put command requires a key and a <page>:<slot> value")
		}
		key, err := s.parseKey(args[0])
		if err != nil {
			return err
		}
		value, err := parseRowID(args[1])
		if err != nil {
			return err
		}
		inserted, err := s.tree.Insert(key, value)
		if err != nil {
			return err
		}
		if !inserted {
			fmt.Fprintf(s.out, "key %s already exists\n", args[0])
			return nil
		}
		fmt.Fprintln(s.out, "OK")
	case "get":
		if len(args) != 1 {
			return errors.New("get command requires a key")
		}
		key, err := s.parseKey(args[0])
		if err != nil {
			return err
		}
		value, found, err := s.tree.GetValue(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, formatRowID(value))
	case "delete":
		if len(args) != 1 {
			return errors.New("delete command requires a key")
		}
		key, err := s.parseKey(args[0])
		if err != nil {
			return err
		}
		if err := s.tree.Remove(key); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "scan":
		return s.scan(args)
	case "stats":
		st := s.bpm.Stats()
		meta := s.bpm.DiskManager().GetMetaData()
		fmt.Fprintf(s.out, "pool_size=%d hits=%d misses=%d evictions=%d write_backs=%d flushes=%d\n",
			s.bpm.PoolSize(), st.Hits, st.Misses, st.Evictions, st.WriteBacks, st.Flushes)
		fmt.Fprintf(s.out, "allocated_pages=%d extents=%d root_page_id=%d\n",
			meta.NumAllocatedPages, meta.NumExtents, s.tree.GetRootPageID())
	case "flush":
		if err := s.bpm.FlushAllPages(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "check":
		if err := s.tree.Check(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "dump":
		fmt.Fprint(s.out, s.tree.String())
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  put <key> <page>:<slot>")
		fmt.Fprintln(s.out, "  get <key>")
		fmt.Fprintln(s.out, "  delete <key>")
		fmt.Fprintln(s.out, "  scan [from] [limit]")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  flush")
		fmt.Fprintln(s.out, "  check")
		fmt.Fprintln(s.out, "  dump")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return nil
}

func (s *shell[K]) scan(args []string) error {
	if len(args) > 2 {
		return errors.New("scan accepts at most a start key and a limit")
	}
	var (
		it  *btree.IndexIterator[K]
		err error
	)
	if len(args) >= 1 {
		key, perr := s.parseKey(args[0])
		if perr != nil {
			return perr
		}
		it, err = s.tree.BeginAt(key)
	} else {
		it, err = s.tree.Begin()
	}
	if err != nil {
		return err
	}
	limit := -1
	if len(args) == 2 {
		if limit, err = strconv.Atoi(args[1]); err != nil || limit < 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
	}

	count := 0
	for !it.IsEnd() && count != limit {
		fmt.Fprintf(s.out, "%v\t%s\n", it.Key(), formatRowID(it.Value()))
		count++
		if err := it.Next(); err != nil {
			return err
		}
	}
	fmt.Fprintf(s.out, "(%d entries)\n", count)
	return nil
}
