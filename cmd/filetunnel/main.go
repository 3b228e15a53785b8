// filetunnel: CLI entry point.
//
// filetunnel carries TCP and UDP traffic between two hosts that share
// nothing but a writable folder (SMB share, cloud-sync folder, FTP drop or a
// droprelay instance). Each side writes its own file and reads the peer's.
//
// It can be launched interactively (no arguments and no FILETUNNEL_CONFIG)
// or non-interactively via flags and an optional YAML file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/filetunnel/internal/adapter"
	"github.com/1ureka/filetunnel/internal/app"
	"github.com/1ureka/filetunnel/internal/config"
	"github.com/1ureka/filetunnel/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("filetunnel v%s", version))
	pterm.Println()

	var (
		cfg *config.Config
		err error
	)
	if len(os.Args) == 1 && os.Getenv(config.EnvConfig) == "" {
		cfg, err = runInteractive()
	} else {
		cfg, err = config.Parse()
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("tunnel failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("tunnel closed")
}

// runInteractive asks for the few settings needed to run a Reusable-File
// channel in a shared folder.
func runInteractive() (*config.Config, error) {
	cfg := config.Default()

	side, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"A: writes a2b.bin, reads b2a.bin", "B: writes b2a.bin, reads a2b.bin"}).
		WithDefaultText("Select this side of the tunnel").
		Show()
	pterm.Println()

	if strings.HasPrefix(side, "A") {
		cfg.WriteName, cfg.ReadName = "a2b.bin", "b2a.bin"
	} else {
		cfg.WriteName, cfg.ReadName = "b2a.bin", "a2b.bin"
	}
	cfg.Name = strings.TrimSuffix(cfg.WriteName, ".bin")

	cfg.Dir = ask("Shared folder", func(s string) error {
		info, err := os.Stat(s)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a folder", s)
		}
		return nil
	})

	fwd := ask("Local forward listen=proto://dest (empty for none)", func(s string) error {
		if s == "" {
			return nil
		}
		_, err := adapter.ParseLocal(s)
		return err
	})
	if fwd != "" {
		cfg.Forwards = []string{fwd}
	}

	return cfg, cfg.Validate()
}

// ask prompts until check accepts the trimmed input.
func ask(prompt string, check func(string) error) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		value := strings.TrimSpace(raw)
		pterm.Println()
		if err := check(value); err != nil {
			util.LogWarning("invalid input: %v", err)
			continue
		}
		return value
	}
}
