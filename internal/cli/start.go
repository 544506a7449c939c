package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/daemon"
)

// daemonFlags registers the flags shared by start and the hidden daemon command.
func daemonFlags(cmd *cobra.Command, opts *daemon.StartOptions) {
	cmd.Flags().IntVar(&opts.Port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().IntVar(&opts.GRPCPort, "grpc-port", daemon.DefaultGRPCPort, "Port for the telemetry gRPC stream (0 disables it)")
	cmd.Flags().BoolVar(&opts.Dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&opts.PprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().BoolVar(&opts.EnableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP instrumentation)")
}

func newStartCmd() *cobra.Command {
	var (
		opts       daemon.StartOptions
		foreground bool
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the lanekeeper daemon (HTTP API, telemetry, fleet)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			opts.Home = config.MustHomeFrom(cmd.Context())
			api := fmt.Sprintf("http://localhost:%d", opts.Port)

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting lanekeeper in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "lanekeeper started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", api)
			return nil
		},
	}

	daemonFlags(cmd, &opts)
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
