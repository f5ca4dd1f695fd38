package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-mom/internal/config"
)

func handleConfig(args []string) {
	if len(args) == 0 {
		args = []string{"show"}
	}
	switch args[0] {
	case "path":
		p, err := config.Path()
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(p)
	case "show":
		cfg, err := config.LoadDefault()
		if err != nil {
			fatalf("%v", err)
		}
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fatalf("%v", err)
		}
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		force := fs.Bool("force", false, "Overwrite an existing config file")
		_ = fs.Parse(args[1:])

		p, err := initConfig(*force)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("wrote %s\n", p)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Usage: mom config [path|show|init [--force]]")
		os.Exit(2)
	}
}

// initConfig writes the defaults to the config path. An existing file is
// kept unless force is set.
func initConfig(force bool) (string, error) {
	p, err := config.Path()
	if err != nil {
		return "", err
	}
	if !force {
		if _, err := os.Stat(p); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	if err := config.Save(p, config.Default()); err != nil {
		return "", err
	}
	return p, nil
}
