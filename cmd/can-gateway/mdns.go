package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_cannelloni._tcp"

// mdnsMeta lists the TXT records published with the service.
func mdnsMeta(cfg *appConfig) []string {
	return []string{
		"medium=" + cfg.medium,
		"fd=" + strconv.FormatBool(cfg.dataBitrate > 0),
		"bitrate=" + strconv.Itoa(cfg.bitrate),
		"data_bitrate=" + strconv.Itoa(cfg.dataBitrate),
		"version=" + version,
	}
}

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("can-gateway-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsMeta(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
