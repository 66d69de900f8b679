// Command hbrace runs the happens-before race detector agent: it
// loads Config from the environment (plus an optional YAML overlay
// for batch/offline runs), builds an Agent and drives it until a
// termination signal arrives; in replay mode, reaching the end of the
// trace file does not stop it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/nsg-ethz/hbrace/pkg/agent"
)

var mlog = logrus.WithField("component", "main")

func main() {
	if err := run(); err != nil {
		mlog.WithError(err).Fatal("hbrace exiting")
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("HBRACE_CONFIG_FILE"), "optional YAML file overlaying the environment config")
	flag.Parse()

	cfg := agent.Config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("main: parsing environment: %w", err)
	}
	if *configPath != "" {
		if err := overlayFromFile(*configPath, &cfg); err != nil {
			return err
		}
	}

	a, err := agent.New(&cfg)
	if err != nil {
		return fmt.Errorf("main: building agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

// overlayFromFile unmarshals path's YAML contents over cfg, letting a
// batch/offline launcher pin config without exporting every env var
// (§9).
func overlayFromFile(path string, cfg *agent.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("main: reading config overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("main: parsing config overlay %s: %w", path, err)
	}
	return nil
}
