package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"neuronctl/internal/config"
)

type rootOptions struct {
	configPath string
	server     string
	token      string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "neuronctl",
		Short:         "neuronctl - control plane for a federated fleet of neurons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "", "control-plane API address for remote commands")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "neuron access token for authenticated calls")

	cmd.AddCommand(
		newServeCommand(opts),
		newStatusCommand(opts),
		newHealthCommand(opts),
		newNeuronCommand(opts),
		newPushCommand(opts),
		newRollbackCommand(opts),
		newReloadCommand(opts),
		newAdviseCommand(opts),
		newRecoverCommand(opts),
		newRetireCommand(opts),
		newEventsCommand(opts),
	)
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
