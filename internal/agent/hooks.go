package agent

import (
	"context"
	"encoding/json"
	"strconv"

	"neuronctl/internal/config"
	"neuronctl/internal/execx"
	"neuronctl/internal/transport"
)

// CommandHandlers runs the configured apply and reload commands. The pushed
// value or reload payload goes to the command's stdin; a non-zero exit
// rejects the push.
func CommandHandlers(cfg config.NeuronConfig, runner execx.Runner) Handlers {
	var h Handlers
	if len(cfg.ApplyCommand) > 0 {
		argv := cfg.ApplyCommand
		h.ApplyConfig = func(ctx context.Context, key string, value json.RawMessage, version int64) error {
			return runner.Run(ctx, execx.Command{
				Name:  argv[0],
				Args:  argv[1:],
				Stdin: value,
				Env: []string{
					"NEURON_ID=" + cfg.ID,
					"NEURON_CONFIG_KEY=" + key,
					"NEURON_CONFIG_VERSION=" + strconv.FormatInt(version, 10),
				},
			})
		}
	}
	if len(cfg.ReloadCommand) > 0 {
		argv := cfg.ReloadCommand
		h.HotReload = func(ctx context.Context, msg transport.Message) error {
			return runner.Run(ctx, execx.Command{
				Name:  argv[0],
				Args:  argv[1:],
				Stdin: msg.Payload,
				Env: []string{
					"NEURON_ID=" + cfg.ID,
					"NEURON_RELOAD_ID=" + msg.ReloadID,
					"NEURON_SYNC_TYPE=" + msg.SyncType,
					"NEURON_RELOAD_STATUS=" + msg.Status,
				},
			})
		}
	}
	return h
}
