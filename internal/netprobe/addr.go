package netprobe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// AdvertiseEndpoint joins the host of a STUN-mapped address with the port the
// control plane listens on. It returns false when either part is missing.
func AdvertiseEndpoint(publicAddr, listen string) (string, bool) {
	host := HostFromAddr(publicAddr)
	if host == "" {
		return "", false
	}
	_, port, err := net.SplitHostPort(strings.TrimSpace(listen))
	if err != nil || port == "" {
		return "", false
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

// ProbeTCP dials address and reports the connect time.
func ProbeTCP(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	hostPort := hostPortFromAddress(address)
	if hostPort == "" {
		return 0, fmt.Errorf("no dialable address in %q", address)
	}

	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// hostPortFromAddress strips a URL scheme and path so "ws://h:1/ws" and
// "http://h:1" both dial h:1.
func hostPortFromAddress(address string) string {
	a := strings.TrimSpace(address)
	if i := strings.Index(a, "://"); i >= 0 {
		a = a[i+3:]
	}
	if i := strings.IndexByte(a, '/'); i >= 0 {
		a = a[:i]
	}
	if _, _, err := net.SplitHostPort(a); err != nil {
		return ""
	}
	return a
}

// HostFromAddr returns the host part of addr, accepting host:port, bracketed
// and unbracketed IPv6, and bare hosts.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			port := a[last+1:]
			if _, err := strconv.Atoi(port); err == nil {
				return host
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}
