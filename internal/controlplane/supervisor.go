package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"neuronctl/internal/config"
	"neuronctl/internal/controller"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/transport"
)

const stunTimeout = 5 * time.Second

// Run starts every loop and blocks until ctx is done or one of them fails.
func (cp *ControlPlane) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return cp.Hub.RunReaper(ctx) })
	g.Go(func() error { return cp.dispatch(ctx) })
	g.Go(func() error { return cp.Health.RunHeartbeats(ctx) })
	g.Go(func() error { return cp.Health.RunDeepChecks(ctx) })
	g.Go(func() error { return cp.Recovery.Run(ctx, cp.Health.Failures()) })
	g.Go(func() error { return cp.Syncer.Run(ctx) })

	if cp.cfg.AdvertiseURL == "" && len(cp.cfg.STUNServers) > 0 {
		g.Go(func() error {
			cp.discoverEndpoint(ctx)
			return nil
		})
	}
	if cp.cfg.DataDir != "" {
		g.Go(func() error { return cp.runSnapshots(ctx) })
	}
	if cp.Watcher != nil {
		g.Go(func() error { return cp.Watcher.Run(ctx) })
	}
	if cp.badger != nil {
		g.Go(func() error { return cp.badger.RunGC(ctx, badgerGC) })
	}
	g.Go(func() error { return cp.serveHTTP(ctx) })

	cp.log.Info().Str("listen", cp.cfg.Listen).Str("store", cp.cfg.Store).Str("event_log", cp.cfg.EventLog).
		Str("lock", cp.cfg.Lock).Msg("control plane started")
	err := g.Wait()
	cp.log.Info().Err(err).Msg("control plane stopped")
	return err
}

// Handler is the HTTP surface: API routes, /ws and /metrics.
func (cp *ControlPlane) Handler() http.Handler {
	return controller.New(cp.API(), cp.Hub, cp.Metrics.Handler(), cp.log).Handler()
}

func (cp *ControlPlane) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              cp.cfg.Listen,
		Handler:           cp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cp.log.Info().Str("listen", cp.cfg.Listen).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (cp *ControlPlane) discoverEndpoint(ctx context.Context) {
	d, err := cp.discover(ctx, cp.cfg.STUNServers, stunTimeout)
	if err != nil {
		cp.log.Warn().Err(err).Int("failed", d.Failed).Msg("STUN discovery failed")
		return
	}
	cp.setNAT(d.NAT)
	ep, err := d.Endpoint(cp.cfg.Listen)
	if err != nil {
		cp.log.Warn().Err(err).Strs("mapped", d.Mapped).Str("listen", cp.cfg.Listen).Msg("STUN mapping not advertised")
		return
	}
	cp.setEndpoint("http://" + ep)
	cp.log.Info().Str("endpoint", cp.Endpoint()).Str("nat_type", string(d.NAT)).Msg("advertise endpoint discovered")
}

func (cp *ControlPlane) runSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(config.Seconds(cp.cfg.SnapshotIntervalSec))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cp.writeSnapshot(context.Background())
			return nil
		case <-ticker.C:
			cp.writeSnapshot(ctx)
		}
	}
}

func (cp *ControlPlane) writeSnapshot(ctx context.Context) {
	neurons, err := cp.Registry.List(ctx, registry.Filter{IncludeRetired: true})
	if err != nil {
		cp.log.Warn().Err(err).Msg("snapshot list neurons")
		return
	}
	path := SnapshotPath(cp.cfg.DataDir)
	if err := store.SaveSnapshot(path, store.SnapshotFrom(neurons)); err != nil {
		cp.log.Warn().Err(err).Str("path", path).Msg("snapshot write")
	}
}

// dispatch consumes non-reply frames from neuron sessions.
func (cp *ControlPlane) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-cp.Hub.Inbound():
			cp.handleInbound(ctx, in)
		}
	}
}

func (cp *ControlPlane) handleInbound(ctx context.Context, in transport.Inbound) {
	log := cp.log.With().Str("neuron_id", in.NeuronID).Str("type", string(in.Message.Type)).Logger()

	switch in.Message.Type {
	case transport.TypeRegister:
		// Registration probes the session, so it must not hold up the dispatcher.
		go cp.handleRegister(ctx, in)
	case transport.TypeStatusUpdate, transport.TypePing:
		err := cp.Registry.Heartbeat(ctx, in.NeuronID)
		switch {
		case errors.Is(err, registry.ErrRetired):
			log.Info().Msg("check-in from retired neuron, closing session")
			cp.Hub.Disconnect(in.NeuronID)
		case errors.Is(err, registry.ErrNotFound):
			log.Debug().Msg("check-in before registration")
		case err != nil:
			log.Warn().Err(err).Msg("check-in")
		}
	case transport.TypeErrorReport:
		count := cp.Health.RecordError(ctx, in.NeuronID)
		log.Debug().Str("error", in.Message.Error).Int("errors_in_window", count).Msg("neuron reported error")
	default:
		log.Debug().Msg("unsolicited frame ignored")
	}
}

func (cp *ControlPlane) handleRegister(ctx context.Context, in transport.Inbound) {
	reply := transport.Message{
		Type:      transport.TypeRegistered,
		ReplyTo:   in.Message.MessageID,
		NeuronID:  in.NeuronID,
		Timestamp: time.Now().UTC(),
	}

	var reg registry.Registration
	if len(in.Message.Payload) > 0 {
		if err := json.Unmarshal(in.Message.Payload, &reg); err != nil {
			reply.Error = "decode registration: " + err.Error()
		}
	}
	if reg.NeuronID == "" {
		reg.NeuronID = in.NeuronID
	}
	if reply.Error == "" && reg.NeuronID != in.NeuronID {
		reply.Error = "registration neuronId does not match session"
	}

	if reply.Error == "" {
		res, err := cp.Registry.Register(ctx, reg)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload, err = json.Marshal(res)
			if err != nil {
				reply.Error = err.Error()
			}
		}
	}

	if err := cp.Hub.Notify(in.NeuronID, reply); err != nil {
		cp.log.Warn().Err(err).Str("neuron_id", in.NeuronID).Msg("registration reply not delivered")
		return
	}
	if reply.Error != "" {
		cp.log.Warn().Str("neuron_id", in.NeuronID).Str("error", reply.Error).Msg("registration rejected")
		cp.Hub.Disconnect(in.NeuronID)
	}
}
