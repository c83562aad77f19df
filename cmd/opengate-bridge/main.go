// Command opengate-bridge polls the engine on behalf of local agents and
// wakes their processes when notifications are waiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stefanodecillis/opengate/internal/bridge"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("OPENGATE_BRIDGE_CONFIG"), "path to TOML config file")
		once       = flag.Bool("once", false, "run one poll cycle then exit (for cron)")
		agentName  = flag.String("agent", "", "only process this agent (by name)")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "opengate-bridge: -config is required")
		os.Exit(1)
	}
	if err := run(*configPath, *once, *agentName); err != nil {
		fmt.Fprintf(os.Stderr, "opengate-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool, agentFilter string) error {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var agents []*bridge.ResolvedAgent
	for i := range cfg.Agents {
		if agentFilter != "" && cfg.Agents[i].Name != agentFilter {
			continue
		}
		resolved, err := cfg.Agents[i].Resolve(cfg.Server)
		if err != nil {
			return err
		}
		agents = append(agents, resolved)
	}
	if len(agents) == 0 {
		if agentFilter != "" {
			return fmt.Errorf("no agent named %q found in config", agentFilter)
		}
		return fmt.Errorf("no agents configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bridge", "agents", len(agents))

	if once {
		for _, agent := range agents {
			bridge.NewPoller(agent, logger, nil).RunOnce(ctx)
		}
		return nil
	}

	var wg sync.WaitGroup
	for i, agent := range agents {
		// Stagger starts so a fleet of agents doesn't poll in lockstep.
		delay := time.Duration(i) * 2 * time.Second
		wg.Add(1)
		go func(agent *bridge.ResolvedAgent, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			bridge.NewPoller(agent, logger, nil).Run(ctx)
		}(agent, delay)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}
