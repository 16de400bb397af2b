// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the parley CLI command.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gglessner/parley/internal/broker"
	"github.com/gglessner/parley/internal/config"
	"github.com/gglessner/parley/internal/logsink"
	"github.com/gglessner/parley/internal/relaymod"
)

// Fixed, non-flag-configurable layout, preserved from the tool this
// proxy reimplements: module directories are resolved relative to the
// current working directory, not passed on the command line.
const (
	modulesClientDir = "modules_client/enabled"
	modulesServerDir = "modules_server/enabled"
	logDir           = "logs"
)

var flags config.ProxyConfig

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-threaded modular TCP proxy with TLS termination on each side",
	Long: `Parley accepts client connections on a listening endpoint, opens a
matching connection to a configured upstream, and relays traffic in both
directions through an ordered pipeline of pluggable transform modules.`,
	RunE:         runRoot,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.ListenHost, "listen_host", "localhost", "Host to listen on")
	f.IntVar(&flags.ListenPort, "listen_port", 8080, "Port to listen on")
	f.StringVar(&flags.TargetHost, "target_host", "", "Host to connect to")
	f.IntVar(&flags.TargetPort, "target_port", 80, "Port to connect to")
	f.BoolVar(&flags.UseTLSClient, "use_tls_client", false, "Use TLS for the client connection")
	f.BoolVar(&flags.UseTLSServer, "use_tls_server", false, "Use TLS for the connection to the server")
	f.StringVar(&flags.CertFile, "certfile", "", "Path to server SSL certificate file for client connection")
	f.StringVar(&flags.KeyFile, "keyfile", "", "Path to server SSL key file for client connection")
	f.StringVar(&flags.ClientCertFile, "client_certfile", "", "Path to client SSL certificate file for server connection")
	f.StringVar(&flags.ClientKeyFile, "client_keyfile", "", "Path to client SSL key file for server connection")
	f.StringVar(&flags.Cipher, "cipher", "", "Cipher suite to use for TLS")
	f.StringVar((*string)(&flags.SSLVersion), "ssl_version", "", "SSL/TLS version to use (TLSv1, TLSv1.1, TLSv1.2)")
	f.BoolVar(&flags.NoVerify, "no_verify", false, "Skip TLS certificate verification for server connection")

	cobra.CheckErr(rootCmd.MarkFlagRequired("target_host"))
}

// Execute runs the root command, printing any error to stderr and
// exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := flags
	cfg.ModulesClientDir = modulesClientDir
	cfg.ModulesServerDir = modulesServerDir
	cfg.LogDir = logDir

	if err := cfg.Validate(); err != nil {
		return err
	}

	sink := logsink.New(cfg.LogDir, nil)

	logger.Info("loadingModules", slog.String("dir", cfg.ModulesClientDir))
	clientPipeline, err := relaymod.Load(cfg.ModulesClientDir, sink, logger)
	if err != nil {
		return err
	}
	for _, mod := range clientPipeline.Modules() {
		logger.Info("loadedClientModule", slog.String("name", mod.Name), slog.String("description", mod.Description))
	}

	logger.Info("loadingModules", slog.String("dir", cfg.ModulesServerDir))
	serverPipeline, err := relaymod.Load(cfg.ModulesServerDir, sink, logger)
	if err != nil {
		return err
	}
	for _, mod := range serverPipeline.Modules() {
		logger.Info("loadedServerModule", slog.String("name", mod.Name), slog.String("description", mod.Description))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(cfg, clientPipeline, serverPipeline, logger)
	logger.Info("listening", slog.String("listen_host", cfg.ListenHost), slog.Int("listen_port", cfg.ListenPort),
		slog.String("target_host", cfg.TargetHost), slog.Int("target_port", cfg.TargetPort))
	return b.ListenAndServe(ctx)
}
