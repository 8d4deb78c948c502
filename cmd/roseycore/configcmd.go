package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roseybot/roseycore/internal/config"
	"github.com/roseybot/roseycore/internal/plugin"
)

// runConfigValidate checks the config file and every manifest in the plugin
// directory without touching the bus or spawning anything.
func runConfigValidate(_ *cobra.Command, _ []string) error {
	if flagConfig == "" {
		return errors.New("config validate needs --config")
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	fmt.Printf("%s: config OK\n", flagConfig)
	fmt.Printf("  bus       %s\n", cfg.Bus.URL)
	fmt.Printf("  memory    %s\n", cfg.Memory.Backend)
	fmt.Printf("  rules     %d\n", len(cfg.Router.Rules))
	fmt.Printf("  schedules %d\n", len(cfg.Schedules))
	if cfg.Ops.Enabled() {
		fmt.Printf("  ops api   %s\n", cfg.Ops.Addr)
	}

	if cfg.Plugins.Dir == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Plugins.Dir); err != nil {
		fmt.Printf("  plugins   %s (missing)\n", cfg.Plugins.Dir)
		return nil
	}
	manifests, err := plugin.LoadDir(cfg.Plugins.Dir)
	if err != nil {
		return fmt.Errorf("plugin manifests: %w", err)
	}
	fmt.Printf("  plugins   %d manifest(s) in %s\n", len(manifests), cfg.Plugins.Dir)
	for _, mf := range manifests {
		line := fmt.Sprintf("    %-20s v%-10s exec=%s", mf.ID, mf.Version, mf.Exec.Command)
		if len(mf.Commands) > 0 {
			line += " commands=" + strings.Join(mf.Commands, ",")
		}
		fmt.Println(line)
		if _, perr := mf.ToPermissions(); perr != nil {
			return fmt.Errorf("manifest %s permissions: %w", mf.ID, perr)
		}
	}
	return nil
}
