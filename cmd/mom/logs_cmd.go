package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hpcloud/tail"

	"github.com/asheshgoplani/agent-mom/internal/logging"
)

func handleLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("f", false, "Follow the log as it grows")
	followLong := fs.Bool("follow", false, "Follow the log as it grows")
	lines := fs.Int("n", 200, "Number of trailing lines to show")
	fs.Usage = func() {
		fmt.Println("Usage: mom logs [-f] [-n N]")
		fmt.Println()
		fmt.Println("Show the daemon log.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	dir, err := momDir()
	if err != nil {
		fatalf("%v", err)
	}
	path := filepath.Join(dir, logging.LogFileName)

	if err := printLastLines(os.Stdout, path, *lines); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("%v", err)
	}
	if !*follow && !*followLong {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := followLog(ctx, os.Stdout, path); err != nil {
		fatalf("%v", err)
	}
}

// printLastLines writes the final n lines of path to w.
func printLastLines(w io.Writer, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tailLines, err := lastLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range tailLines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// lastLines keeps a ring of the final n lines read from r.
func lastLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	start := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) < n {
			ring = append(ring, sc.Text())
			continue
		}
		ring[start] = sc.Text()
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

// followLog streams lines appended to path until ctx ends. Rotation is
// handled by reopening the file.
func followLog(ctx context.Context, w io.Writer, path string) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		}
	}
}
