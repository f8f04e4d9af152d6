package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_loshark._tcp"

// mdnsInstance is the advertised instance name.
func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "loshark-" + host
}

// mdnsTXT describes where clients find the API and which dongle it fronts.
func mdnsTXT(cfg *appConfig, device string) []string {
	return []string{
		"backend=" + cfg.backend,
		"device=" + device,
		"api=/api",
		"events=/events",
		"version=" + version,
	}
}

// listenPort extracts the port of a bound listener address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("bad port in %q", addr)
	}
	return port, nil
}

// advertise registers the HTTP API on the local link. The caller owns the
// returned server and must Shutdown it.
func advertise(cfg *appConfig, device, boundAddr string) (*zeroconf.Server, error) {
	port, err := listenPort(boundAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns: %w", err)
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg, device), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc, nil
}
