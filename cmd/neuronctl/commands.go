package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"neuronctl/internal/agent"
	"neuronctl/internal/analytics"
	"neuronctl/internal/api"
	"neuronctl/internal/config"
	"neuronctl/internal/controlplane"
	"neuronctl/internal/execx"
	"neuronctl/internal/logging"
	"neuronctl/internal/model"
	"neuronctl/internal/store"
	"neuronctl/internal/syncer"
	"neuronctl/internal/transport"
)

type serveFlags struct {
	listen    string
	dataDir   string
	store     string
	eventLog  string
	lock      string
	redisAddr string
	stun      string
	watchDir  string
	advertise string
	logLevel  string
	logJSON   bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if cfg.ControlPlane == nil {
				cfg.ControlPlane = &config.ControlPlaneConfig{}
			}
			f.apply(cmd, cfg.ControlPlane)
			config.ApplyDefaults(&cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}

			cp := cfg.ControlPlane
			logger := logging.New(logging.Config{Level: cp.LogLevel, JSON: cp.LogJSON, Service: "neuronctl"})
			gin.SetMode(gin.ReleaseMode)

			ctx, cancel := signalContext()
			defer cancel()

			plane, err := controlplane.New(ctx, controlplane.Options{Config: *cp, Logger: logger})
			if err != nil {
				return err
			}
			defer plane.Close()
			return plane.Run(ctx)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fl.StringVar(&f.dataDir, "data-dir", "", "data directory for persistent stores and the fleet snapshot")
	fl.StringVar(&f.store, "store", "", "record store: memory or badger")
	fl.StringVar(&f.eventLog, "event-log", "", "event log: memory or sqlite")
	fl.StringVar(&f.lock, "lock", "", "lock backend: local or redis")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "redis address for the redis lock")
	fl.StringVar(&f.stun, "stun", "", "comma-separated STUN servers")
	fl.StringVar(&f.watchDir, "watch-dir", "", "directory of config files to push on change")
	fl.StringVar(&f.advertise, "advertise-url", "", "control-plane URL handed to neurons")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.BoolVar(&f.logJSON, "log-json", false, "log newline-delimited JSON")
	return cmd
}

func (f *serveFlags) apply(cmd *cobra.Command, cp *config.ControlPlaneConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cp.Listen, f.listen)
	set(&cp.DataDir, f.dataDir)
	set(&cp.Store, f.store)
	set(&cp.EventLog, f.eventLog)
	set(&cp.Lock, f.lock)
	set(&cp.RedisAddr, f.redisAddr)
	set(&cp.ConfigWatchDir, f.watchDir)
	set(&cp.AdvertiseURL, f.advertise)
	set(&cp.LogLevel, f.logLevel)
	if f.stun != "" {
		cp.STUNServers = splitList(f.stun)
	}
	if cmd.Flags().Changed("log-json") {
		cp.LogJSON = f.logJSON
	}
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status from a running control plane or its last snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if root.server != "" {
				var fleet analytics.FleetStatus
				if err := client(root).FleetStatus(cmd.Context(), &fleet); err != nil {
					return err
				}
				printFleet(out, fleet)
				return nil
			}

			if dataDir == "" {
				cfg, err := loadConfig(root.configPath)
				if err != nil {
					return err
				}
				if cfg.ControlPlane != nil {
					dataDir = cfg.ControlPlane.DataDir
				}
			}
			if dataDir == "" {
				return errors.New("status needs --server, --data-dir or a config with control_plane.data_dir")
			}
			snap, err := store.LoadSnapshot(controlplane.SnapshotPath(dataDir))
			if err != nil {
				return err
			}
			printSnapshot(out, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "read the snapshot from this data directory")
	return cmd
}

func printFleet(w io.Writer, fleet analytics.FleetStatus) {
	fmt.Fprintf(w, "neurons: %d  connected: %d  avg health: %.1f  open failures: %d  recovery queue: %d\n",
		fleet.Total, fleet.Connected, fleet.AvgHealthScore, fleet.Failures.Unrecovered, len(fleet.RecoveryQueue))
	if fleet.Endpoint != "" || fleet.NATType != "" {
		fmt.Fprintf(w, "endpoint: %s  nat: %s\n", orDash(fleet.Endpoint), orDash(fleet.NATType))
	}
	fmt.Fprintln(w)
	if len(fleet.Neurons) == 0 {
		fmt.Fprintln(w, "no registered neurons")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tHEALTH\tSCORE\tCONNECTED\tLAST_CHECK_IN")
	for _, n := range fleet.Neurons {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			n.ID, n.Name, n.Type, n.Status, n.Health, n.HealthScore, n.Connected, formatTime(n.LastCheckIn))
	}
	_ = tw.Flush()
}

func printSnapshot(w io.Writer, snap *store.Snapshot) {
	if snap == nil || len(snap.Neurons) == 0 {
		fmt.Fprintln(w, "no registered neurons")
		return
	}
	fmt.Fprintf(w, "snapshot taken %s\n\n", formatTime(snap.UpdatedAt))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tVERSION\tSTATUS\tSCORE\tLAST_CHECK_IN")
	for _, n := range snap.Neurons {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, n.Name, n.Type, n.Version, n.Status, n.HealthScore, formatTime(n.LastCheckIn))
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newHealthCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health <neuron-id>",
		Short: "Show one neuron's health report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report json.RawMessage
			if err := client(root).NeuronHealth(cmd.Context(), args[0], &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newNeuronCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neuron",
		Short: "Reference neuron agent",
	}

	var id, controlPlane, address string
	run := &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and apply what it pushes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if cfg.Neuron == nil {
				cfg.Neuron = &config.NeuronConfig{}
			}
			n := cfg.Neuron
			if id != "" {
				n.ID = id
			}
			if controlPlane != "" {
				n.ControlPlane = controlPlane
			}
			if address != "" {
				n.Address = address
			}
			config.ApplyDefaults(&cfg)
			if err := config.Validate(config.Config{Neuron: n}); err != nil {
				return err
			}

			logger := logging.New(logging.Config{Level: n.LogLevel, Service: "neuron"}).With().Str("neuron_id", n.ID).Logger()
			ctx, cancel := signalContext()
			defer cancel()
			handlers := agent.CommandHandlers(*n, execx.NewOSRunner(os.Stderr, os.Stderr))
			return agent.New(*n, handlers, logger).Run(ctx)
		},
	}
	run.Flags().StringVar(&id, "id", "", "neuron id")
	run.Flags().StringVar(&controlPlane, "control-plane", "", "control-plane URL")
	run.Flags().StringVar(&address, "address", "", "address the control plane can dial back")

	heartbeat := &cobra.Command{
		Use:   "heartbeat <neuron-id>",
		Short: "Check a neuron in over HTTP using its access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.token == "" {
				return errors.New("heartbeat needs --token")
			}
			if err := client(root).Heartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checked in\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(run, heartbeat)
	return cmd
}

func newPushCommand(root *rootOptions) *cobra.Command {
	var (
		key, value, file, targets, by, reason string
		expected                              int64
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Write a config version and distribute it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(value)
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = data
			}
			if !json.Valid(raw) {
				return errors.New("config value must be valid JSON")
			}
			req := syncer.PushConfigRequest{
				Key:         key,
				Value:       raw,
				Targets:     splitList(targets),
				Reason:      reason,
				InitiatedBy: by,
			}
			if cmd.Flags().Changed("expected-version") {
				req.ExpectedVersion = &expected
			}

			var sum syncer.Summary
			if err := client(root).PushConfig(cmd.Context(), req, &sum); err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&key, "key", "", "config key")
	fl.StringVar(&value, "value", "", "config value as JSON")
	fl.StringVar(&file, "file", "", "read the JSON value from a file")
	fl.StringVar(&targets, "targets", "", "comma-separated neuron ids (default all)")
	fl.Int64Var(&expected, "expected-version", 0, "version the change is based on")
	fl.StringVar(&by, "by", os.Getenv("USER"), "operator name")
	fl.StringVar(&reason, "reason", "", "change reason")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRollbackCommand(root *rootOptions) *cobra.Command {
	var req api.RollbackRequest
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Re-activate an older config version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum syncer.Summary
			if err := client(root).Rollback(cmd.Context(), req, &sum); err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&req.Key, "key", "", "config key")
	fl.Int64Var(&req.Version, "version", 0, "version to restore")
	fl.StringVar(&req.By, "by", os.Getenv("USER"), "operator name")
	fl.StringVar(&req.Reason, "reason", "", "rollback reason")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func printSummary(w io.Writer, sum syncer.Summary) {
	fmt.Fprintf(w, "job %s: %s v%d %s (%d ok, %d failed)\n",
		sum.JobID, sum.ConfigKey, sum.Version, sum.Status, len(sum.Successful), len(sum.Failed))
	for _, r := range sum.Results {
		if !r.Success {
			fmt.Fprintf(w, "  %s: %s\n", r.NeuronID, r.Reason)
		}
	}
	if sum.ConflictID != "" {
		fmt.Fprintf(w, "conflict recorded: %s\n", sum.ConflictID)
	}
}

func newReloadCommand(root *rootOptions) *cobra.Command {
	var (
		syncType, payload, rollbackData, targets, by string
		rollback                                     bool
	)
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Run a hot reload across the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := syncer.HotReloadRequest{
				Type:              model.SyncType(syncType),
				Targets:           splitList(targets),
				Payload:           json.RawMessage(payload),
				RollbackOnFailure: rollback,
				InitiatedBy:       by,
			}
			if rollbackData != "" {
				req.RollbackData = json.RawMessage(rollbackData)
			}
			var sum json.RawMessage
			if err := client(root).HotReload(cmd.Context(), req, &sum); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&syncType, "type", string(model.SyncCode), "config, code, assets, full or analytics")
	fl.StringVar(&payload, "payload", "{}", "reload payload as JSON")
	fl.StringVar(&rollbackData, "rollback-data", "", "payload sent to neurons that must roll back")
	fl.BoolVar(&rollback, "rollback-on-failure", false, "roll back succeeded neurons when any fail")
	fl.StringVar(&targets, "targets", "", "comma-separated neuron ids (default all)")
	fl.StringVar(&by, "by", os.Getenv("USER"), "operator name")
	return cmd
}

func newAdviseCommand(root *rootOptions) *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "advise <status>",
		Short: "Send an advisory to every connected neuron",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res transport.BroadcastResult
			if err := client(root).Broadcast(cmd.Context(), api.AdvisoryRequest{Status: args[0], Detail: detail}, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advisory sent to %d of %d neurons\n", res.Sent, res.Total)
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "advisory detail")
	return cmd
}

func newRecoverCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <neuron-id>",
		Short: "Run recovery for a neuron now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report json.RawMessage
			if err := client(root).ForceRecovery(cmd.Context(), args[0], &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newRetireCommand(root *rootOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "retire <neuron-id>",
		Short: "Retire a neuron permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client(root).RetireNeuron(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", n.ID, n.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator name")
	return cmd
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Federation event log",
	}

	var (
		out, neuronID, eventType string
		since                    time.Duration
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export events as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := api.EventQuery{NeuronID: neuronID, EventType: eventType}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return client(root).ExportEvents(cmd.Context(), w, q)
		},
	}
	fl := export.Flags()
	fl.StringVar(&out, "out", "-", "output file")
	fl.StringVar(&neuronID, "neuron", "", "only events of this neuron")
	fl.StringVar(&eventType, "type", "", "only events of this type")
	fl.DurationVar(&since, "since", 0, "only events newer than this")

	cmd.AddCommand(export)
	return cmd
}

func client(root *rootOptions) *api.Client {
	server := root.server
	if server == "" {
		server = config.DefaultListen
		if cfg, err := loadConfig(root.configPath); err == nil && cfg.ControlPlane != nil && cfg.ControlPlane.Listen != "" {
			server = cfg.ControlPlane.Listen
		}
		if strings.HasPrefix(server, ":") {
			server = "127.0.0.1" + server
		}
	}
	c := api.NewClient(server)
	if root.token != "" {
		c = c.WithToken(root.token)
	}
	return c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
