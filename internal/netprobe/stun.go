// Package netprobe discovers how the control plane is reachable from
// outside and checks whether a neuron's address accepts connections.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"
)

// NATType is the mapping behaviour inferred from STUN answers.
type NATType string

const (
	NATUnknown   NATType = "unknown"
	NATSymmetric NATType = "symmetric"
	NATCone      NATType = "cone_or_restricted"
)

// Advertisable is false for a symmetric NAT, whose mapping differs per
// destination and so is useless to neurons.
func (t NATType) Advertisable() bool {
	return t != NATSymmetric
}

// ErrNotAdvertisable is returned by Discovery.Endpoint behind a symmetric NAT.
var ErrNotAdvertisable = errors.New("stun mapping is not advertisable")

// Discovery is the outcome of querying a set of STUN servers.
type Discovery struct {
	Mapped []string `json:"mapped"`
	NAT    NATType  `json:"natType"`
	Failed int      `json:"failed"`
}

// Endpoint joins the mapped public host with the listen port.
func (d Discovery) Endpoint(listen string) (string, error) {
	if !d.NAT.Advertisable() {
		return "", fmt.Errorf("%w: %s NAT", ErrNotAdvertisable, d.NAT)
	}
	if len(d.Mapped) == 0 {
		return "", fmt.Errorf("%w: no mapping", ErrNotAdvertisable)
	}
	ep, ok := AdvertiseEndpoint(d.Mapped[0], listen)
	if !ok {
		return "", fmt.Errorf("%w: cannot join %q with listen %q", ErrNotAdvertisable, d.Mapped[0], listen)
	}
	return ep, nil
}

type bindFunc func(ctx context.Context, server string, timeout time.Duration) (string, error)

// Discover sends a binding request to every server at once and classifies
// the NAT from the mappings that came back.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Discovery, error) {
	return discover(ctx, servers, timeout, bind)
}

func discover(ctx context.Context, servers []string, timeout time.Duration, b bindFunc) (Discovery, error) {
	d := Discovery{NAT: NATUnknown}
	if len(servers) == 0 {
		return d, errors.New("no STUN servers configured")
	}

	mapped := make([]string, len(servers))
	errs := make([]error, len(servers))
	var g errgroup.Group
	for i, server := range servers {
		g.Go(func() error {
			mapped[i], errs[i] = b(ctx, server, timeout)
			return nil
		})
	}
	_ = g.Wait()

	var lastErr error
	for i, err := range errs {
		if err != nil {
			d.Failed++
			lastErr = fmt.Errorf("%s: %w", servers[i], err)
			continue
		}
		d.Mapped = append(d.Mapped, mapped[i])
	}
	if len(d.Mapped) == 0 {
		return d, fmt.Errorf("no STUN server answered: %w", lastErr)
	}
	d.NAT = classify(d.Mapped)
	return d, nil
}

// classify needs two answers; differing mappings mean a symmetric NAT.
func classify(addrs []string) NATType {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATCone
}

func bind(ctx context.Context, server string, timeout time.Duration) (string, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "stuns:") {
		raw = "stun:" + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		var xor stun.XORMappedAddress
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				done <- answer{err: ev.Error}
				return
			}
			if err := xor.GetFrom(ev.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: xor.String()}
		})
		if err != nil {
			select {
			case done <- answer{err: err}:
			default:
			}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
