package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.4.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

func initColorProfile() {
	// MOM_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("MOM_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Fallback: ANSI256 works in SSH and inside tmux
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(2)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("mom v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(args[1:])
	case "start":
		handleStart(args[1:])
	case "stop":
		handleStop(args[1:])
	case "status":
		handleStatus(args[1:])
	case "up":
		handleUp(args[1:])
	case "logs":
		handleLogs(args[1:])
	case "sessions", "ls":
		handleSessions(args[1:])
	case "transcript":
		handleTranscript(args[1:])
	case "config":
		handleConfig(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Println("mom - supervise coding agents running in tmux panes")
	fmt.Println()
	fmt.Println("Usage: mom <command> [options]")
	fmt.Println()
	fmt.Println("Daemon:")
	fmt.Println("  serve [--stdio]     Run in the foreground (HTTP on /mcp, or MCP over stdio)")
	fmt.Println("  start [--replace]   Start the HTTP daemon in the background")
	fmt.Println("  stop                Stop the background daemon")
	fmt.Println("  status              Show whether the daemon is running")
	fmt.Println("  up                  Start if needed and print the MCP registration command")
	fmt.Println("  logs [-f] [-n N]    Show the daemon log")
	fmt.Println()
	fmt.Println("Sessions:")
	fmt.Println("  sessions            List supervised sessions")
	fmt.Println("  transcript <query>  Print the transcript of the best-matching session")
	fmt.Println()
	fmt.Println("Other:")
	fmt.Println("  config [path|show|init]  Inspect or create config.toml")
	fmt.Println("  version             Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MOM_HOME            State directory (default ~/.mom)")
	fmt.Println("  MOM_LISTEN          Override [server] listen")
	fmt.Println("  MOM_TOKEN           Bearer token for /mcp and /api")
	fmt.Println("  MOM_COLOR           truecolor, 256, 16, none")
}
