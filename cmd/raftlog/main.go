package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/raftlog/internal/cmd/server"
	cfgpkg "github.com/rzbill/raftlog/internal/config"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "raftlog",
		Short:         "raftlog node CLI",
		Long:          "raftlog runs a node of a replicated, partitioned append-only log and inspects running nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServerCommand(), newStatusCommand(), newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a raftlog node (gRPC peer transport and HTTP admin API)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logpkg.ApplyConfig(&cfg.Log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Version: version, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	f := startCmd.Flags()
	f.String("config", os.Getenv("RAFTLOG_CONFIG"), "Config file (.json, .yaml or .yml)")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.Uint64("node-id", 0, "This node's id; must appear in members")
	f.String("members", "", "Cluster members as id=host:port pairs, e.g. 1=10.0.0.1:7070,2=10.0.0.2:7070")
	f.Int("partitions", 0, "Number of partitions")
	f.String("grpc", "", "gRPC listen address for raft peers")
	f.String("http", "", "HTTP admin listen address")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(startCmd)
	return serverCmd
}

// buildConfig layers defaults, the config file, RAFTLOG_* variables and
// explicitly set flags, in that order.
func buildConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)

	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("node-id") {
		cfg.NodeID, _ = f.GetUint64("node-id")
	}
	if f.Changed("members") {
		s, _ := f.GetString("members")
		members, err := cfgpkg.ParseMembers(s)
		if err != nil {
			return cfgpkg.Config{}, err
		}
		cfg.Members = members
	}
	if f.Changed("partitions") {
		cfg.Partitions, _ = f.GetInt("partitions")
	}
	if f.Changed("grpc") {
		cfg.GRPCAddr, _ = f.GetString("grpc")
	}
	if f.Changed("http") {
		cfg.HTTPAddr, _ = f.GetString("http")
	}
	if f.Changed("fsync") {
		cfg.Fsync, _ = f.GetString("fsync")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, err
	}
	return cfg, nil
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node and partition status",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(apiURL(addr) + "/v1/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Admin HTTP address (default $RAFTLOG_HTTP or http://127.0.0.1:7080)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the raftlog version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func apiURL(addr string) string {
	if addr == "" {
		addr = os.Getenv("RAFTLOG_HTTP")
	}
	if addr == "" {
		return "http://127.0.0.1:7080"
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}
