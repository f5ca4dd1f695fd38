package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-mom/internal/config"
	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/statedb"
)

// DaemonOutFileName catches the detached daemon's stdout/stderr (panics,
// early startup errors). Structured logs go to logging.LogFileName.
const DaemonOutFileName = "mom.out"

const (
	startTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

func handleStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	replace := fs.Bool("replace", false, "Stop a running daemon first")
	listen := fs.String("listen", "", "Listen address passed to serve")
	fs.Usage = func() {
		fmt.Println("Usage: mom start [--replace] [--listen addr]")
		fmt.Println()
		fmt.Println("Start the HTTP daemon in the background.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	dir, err := momDir()
	if err != nil {
		fatalf("%v", err)
	}
	db, err := openStateDB(dir)
	if err != nil {
		fatalf("%v", err)
	}
	defer db.Close()

	row, running, err := runningDaemon(db)
	if err != nil {
		fatalf("%v", err)
	}
	if running {
		if !*replace {
			fmt.Printf("already running with pid %d (%s)\n", row.PID, row.Addr)
			return
		}
		if err := stopDaemon(db, row); err != nil {
			fatalf("%v", err)
		}
	}

	row, err = startDaemon(dir, db, *listen)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("started pid %d on %s -> %s\n", row.PID, row.Addr, filepath.Join(dir, logging.LogFileName))
}

func handleStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	_ = fs.Parse(args)

	dir, err := momDir()
	if err != nil {
		fatalf("%v", err)
	}
	db, err := openStateDB(dir)
	if err != nil {
		fatalf("%v", err)
	}
	defer db.Close()

	row, err := db.Current(statedb.DefaultStaleAfter)
	if errors.Is(err, statedb.ErrNoDaemon) {
		fmt.Println("noop")
		return
	}
	if err != nil {
		fatalf("%v", err)
	}
	if err := stopDaemon(db, row); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("stopped")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "No output; exit status 0 if running")
	_ = fs.Parse(args)

	dir, err := momDir()
	if err != nil {
		fatalf("%v", err)
	}
	db, err := openStateDB(dir)
	if err != nil {
		fatalf("%v", err)
	}
	defer db.Close()

	row, running, err := runningDaemon(db)
	if err != nil {
		fatalf("%v", err)
	}

	switch {
	case *quiet:
		if !running {
			os.Exit(1)
		}
	case *jsonOutput:
		type statusJSON struct {
			Running     bool   `json:"running"`
			PID         int    `json:"pid,omitempty"`
			Addr        string `json:"addr,omitempty"`
			Version     string `json:"version,omitempty"`
			Since       string `json:"since,omitempty"`
			LastStarted string `json:"last_started,omitempty"`
			LastVersion string `json:"last_version,omitempty"`
		}
		out := statusJSON{Running: running}
		if running {
			out.PID = row.PID
			out.Addr = row.Addr
			out.Version = row.Version
			out.Since = row.Started.UTC().Format(time.RFC3339)
		} else {
			out.LastStarted, _ = db.GetMeta(metaLastStarted)
			out.LastVersion, _ = db.GetMeta(metaLastVersion)
		}
		data, _ := json.Marshal(out)
		fmt.Println(string(data))
	case running:
		fmt.Printf("running pid %d (%s)\n", row.PID, row.Addr)
	default:
		fmt.Println("not running")
	}
}

func handleUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	listen := fs.String("listen", "", "Listen address if a daemon has to be started")
	_ = fs.Parse(normalizeArgs(fs, args))

	dir, err := momDir()
	if err != nil {
		fatalf("%v", err)
	}
	db, err := openStateDB(dir)
	if err != nil {
		fatalf("%v", err)
	}
	defer db.Close()

	row, running, err := runningDaemon(db)
	if err != nil {
		fatalf("%v", err)
	}
	if !running {
		row, err = startDaemon(dir, db, *listen)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("started pid %d\n", row.PID)
	}

	token := ""
	if cfg, err := config.LoadDefault(); err == nil {
		token = cfg.Server.Token
	}
	fmt.Println(mcpAddCommand(row.Addr, token))
}

// mcpAddCommand is the line a user pastes to register mom with Claude Code.
func mcpAddCommand(addr, token string) string {
	cmd := fmt.Sprintf("claude mcp add mom --url http://%s/mcp", addr)
	if token != "" {
		cmd += fmt.Sprintf(" --header \"Authorization: Bearer %s\"", token)
	}
	return cmd
}

// runningDaemon returns the registered HTTP daemon if its process is still
// alive. Rows left behind by a crashed daemon are removed.
func runningDaemon(db *statedb.StateDB) (statedb.DaemonRow, bool, error) {
	row, err := db.Current(statedb.DefaultStaleAfter)
	if errors.Is(err, statedb.ErrNoDaemon) {
		return statedb.DaemonRow{}, false, nil
	}
	if err != nil {
		return statedb.DaemonRow{}, false, err
	}
	if !processAlive(row.PID) {
		_ = db.RemoveDaemon(row.PID)
		return statedb.DaemonRow{}, false, nil
	}
	return row, true, nil
}

// startDaemon spawns `mom serve` in its own session and waits for it to
// register.
func startDaemon(dir string, db *statedb.StateDB, listen string) (statedb.DaemonRow, error) {
	exe, err := os.Executable()
	if err != nil {
		return statedb.DaemonRow{}, fmt.Errorf("locate executable: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(dir, DaemonOutFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return statedb.DaemonRow{}, fmt.Errorf("open daemon output: %w", err)
	}
	defer out.Close()

	serveArgs := []string{"serve"}
	if listen != "" {
		serveArgs = append(serveArgs, "--listen", listen)
	}
	cmd := exec.Command(exe, serveArgs...)
	cmd.Stdout = out
	cmd.Stderr = out
	// New session: the daemon survives the terminal (and SSH) going away.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return statedb.DaemonRow{}, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(startTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			return statedb.DaemonRow{}, fmt.Errorf("daemon exited during startup (%v); see %s", err, filepath.Join(dir, DaemonOutFileName))
		case <-deadline:
			return statedb.DaemonRow{}, fmt.Errorf("daemon pid %d did not register within %s", pid, startTimeout)
		case <-ticker.C:
			rows, err := db.Daemons()
			if err != nil {
				continue
			}
			for _, r := range rows {
				if r.PID == pid {
					return r, nil
				}
			}
		}
	}
}

// stopDaemon sends SIGTERM and waits for the process to exit.
func stopDaemon(db *statedb.StateDB, row statedb.DaemonRow) error {
	defer func() { _ = db.RemoveDaemon(row.PID) }()
	if !processAlive(row.PID) {
		return nil
	}
	if err := syscall.Kill(row.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", row.PID, err)
	}
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(row.PID) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("pid %d still running after %s", row.PID, stopTimeout)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
