package main

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_canif._tcp"

// startMDNS advertises the tap on port and returns the shutdown func.
func startMDNS(cfg *appConfig, port int) (func(), error) {
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "canif-node-" + host
	}
	txt := []string{
		"backend=" + cfg.Backend,
		"rx_accept=" + cfg.rxAccept(),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc.Shutdown, nil
}
