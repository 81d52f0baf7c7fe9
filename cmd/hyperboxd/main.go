package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperbox/hyperboxd/pkg/api"
	"github.com/hyperbox/hyperboxd/pkg/daemon"
	"github.com/hyperbox/hyperboxd/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hyperboxd",
	Short: "hyperboxd - predictive pre-warming container runtime daemon",
	Long: `hyperboxd drives a single host's container lifecycle through
cgroups/namespaces/seccomp isolation and an overlay/composefs rootfs,
keeping a predictive pre-warm pool and CRIU checkpoints on hand so launch
latency stays low without guessing what a caller will ask for next.`,
	Version: daemon.Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/hyperboxd", "Root directory for persisted state, images and checkpoints")
	rootCmd.PersistentFlags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd gRPC socket path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("listen", ":7780", "Address the operational HTTP surface (/health, /ready, /metrics) listens on")
	startCmd.Flags().String("cgroup-slice", "hyperbox.slice", "systemd-style cgroup slice containers are created under")
	startCmd.Flags().String("network-cidr", "10.88.0.0/16", "CIDR the container IPAM pool allocates addresses from")
	startCmd.Flags().Bool("host-network", false, "Skip network namespace/veth/IPAM setup; containers share the host network")
	startCmd.Flags().Bool("privileged", false, "Allow memory balloon/swappiness tuning that requires host privilege")
	startCmd.Flags().Int("max-prewarmed", 4, "Maximum idle pre-warmed instances kept across all image fingerprints")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hyperboxd version %s\n", daemon.Version)
	},
}

func runStart(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socket, _ := cmd.Flags().GetString("containerd-socket")
	listen, _ := cmd.Flags().GetString("listen")
	cgroupSlice, _ := cmd.Flags().GetString("cgroup-slice")
	networkCIDR, _ := cmd.Flags().GetString("network-cidr")
	hostNetwork, _ := cmd.Flags().GetBool("host-network")
	privileged, _ := cmd.Flags().GetBool("privileged")
	maxPrewarmed, _ := cmd.Flags().GetInt("max-prewarmed")

	pf, err := acquirePidfile(dataDir)
	if err != nil {
		return err
	}
	defer pf.release()

	d, err := daemon.New(daemon.Config{
		DataDir:           dataDir,
		ContainerdSocket:  socket,
		CgroupSlice:       cgroupSlice,
		NetworkCIDR:       networkCIDR,
		HostNetwork:       hostNetwork,
		Privileged:        privileged,
		MaxPrewarmed:      maxPrewarmed,
		MemoryWarningPct:  70,
		MemoryCriticalPct: 90,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	log.Info("hyperboxd started")

	srv := &http.Server{Addr: listen, Handler: api.NewOperationalMux()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.WithComponent("daemon").Info().Str("addr", listen).Msg("operational HTTP surface listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nhttp server error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("operational http server shutdown failed")
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("daemon shutdown failed: %w", err)
	}

	fmt.Println("shutdown complete")
	return nil
}
