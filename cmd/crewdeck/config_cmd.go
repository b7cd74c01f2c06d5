package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/tchow-twistedxcom/crewdeck/internal/config"
)

func handleConfig(args []string) error {
	fs := newFlagSet("config", "config <init|path|show> [options]",
		"crewdeck config init",
		"crewdeck config init --force",
		"crewdeck config show --config ./crewdeck.toml",
	)
	path := fs.String("config", "", "Config file (default ~/.crewdeck/config.toml)")
	force := fs.Bool("force", false, "Overwrite an existing file (init)")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected one of: init, path, show")
	}

	resolved := *path
	if resolved == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		resolved = p
	}

	switch fs.Arg(0) {
	case "path":
		fmt.Println(resolved)
		return nil
	case "init":
		if _, err := os.Stat(resolved); err == nil && !*force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", resolved)
		}
		if err := config.Save(resolved, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", resolved)
		return nil
	case "show":
		cfg, err := config.Load(resolved)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		fmt.Print(buf.String())
		return nil
	}
	return fmt.Errorf("unknown config command %q", fs.Arg(0))
}
