package main

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// TestMain points MOM_HOME at a throwaway directory so no test can touch a
// real daemon's state db, and renders without color so output is comparable.
func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "mom-cmd-test-")
	if err != nil {
		panic(err)
	}
	os.Setenv("MOM_HOME", home)
	lipgloss.SetColorProfile(termenv.Ascii)

	code := m.Run()

	os.RemoveAll(home)
	os.Exit(code)
}
