// Command surgeguard runs the UPS-aware infrastructure orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/surgeguard/internal/config"
	"github.com/rcourtman/surgeguard/internal/drivers/sshshell"
	"github.com/rcourtman/surgeguard/internal/logging"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/orchestrator"
	"github.com/rcourtman/surgeguard/internal/policy"
	"github.com/rcourtman/surgeguard/internal/ups"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "surgeguard",
		Short:         "Policy-driven UPS and infrastructure orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		nutAddr  string
		nutUPS   string
		sshHosts []string
		sshUser  string
		sshKey   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.Config{
				Level:     cfg.Logging.Level,
				Format:    cfg.Logging.Format,
				FilePath:  cfg.Logging.File,
				Component: "surgeguard",
			})
			defer logging.Shutdown()
			log.Info().Str("version", version).Msg("Starting surgeguard")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			o, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}

			for _, spec := range sshHosts {
				hostID, addr, found := strings.Cut(spec, "=")
				if !found {
					return fmt.Errorf("invalid --ssh-host %q, want host=addr[:port]", spec)
				}
				addrHost, port := splitHostPort(addr)
				driver, err := sshshell.New(sshshell.Config{
					Name:           "ssh:" + hostID,
					Host:           addrHost,
					Port:           port,
					User:           sshUser,
					PrivateKeyPath: sshKey,
				})
				if err != nil {
					return fmt.Errorf("configure host %s: %w", hostID, err)
				}
				if err := o.BindDriver(ctx, hostID, driver); err != nil {
					return fmt.Errorf("bind host %s: %w", hostID, err)
				}
			}

			if nutAddr != "" && nutUPS != "" {
				o.WatchUPS(nutUPS, ups.NewNUTSource(nutAddr, nutUPS), 5*time.Second)
				log.Info().Str("upsd", nutAddr).Str("ups", nutUPS).Msg("Watching UPS")
			}

			watchConfig(cfg)

			err = o.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&nutAddr, "nut-addr", "", "NUT upsd address (host:3493)")
	cmd.Flags().StringVar(&nutUPS, "nut-ups", "", "UPS name on the upsd instance")
	cmd.Flags().StringArrayVar(&sshHosts, "ssh-host", nil, "SSH-managed host as id=addr[:port] (repeatable)")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "root", "SSH user for managed hosts")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "path to the SSH private key")
	return cmd
}

// watchConfig hot-applies the safe subset of settings. Queue geometry
// and storage paths require a restart.
func watchConfig(cfg *config.Config) {
	envPath := strings.TrimSpace(os.Getenv("SURGEGUARD_ENV_FILE"))
	if envPath == "" {
		envPath = "/etc/surgeguard/.env"
	}
	if _, err := os.Stat(envPath); err != nil {
		return
	}

	watcher, err := config.NewWatcher(envPath)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
		return
	}
	watcher.OnReload(func(env map[string]string) {
		if level, ok := env["SURGEGUARD_LOG_LEVEL"]; ok && level != cfg.Logging.Level {
			cfg.Logging.Level = strings.ToLower(level)
			logging.SetLevel(cfg.Logging.Level)
			log.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
		}
	})
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec.json>",
		Short: "Schema-validate a policy spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var spec models.PolicySpec
			if err := json.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}

			issues := policy.New(nil).Validate(&spec)
			out, _ := json.MarshalIndent(map[string]any{
				"ok":     len(issues) == 0,
				"issues": issues,
			}, "", "  ")
			fmt.Println(string(out))
			if len(issues) > 0 {
				return fmt.Errorf("%d issue(s) found", len(issues))
			}
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("surgeguard", version)
		},
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, 22
	}
	port := 22
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
