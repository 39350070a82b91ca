package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const statusTimeout = 3 * time.Second

// runStatus queries a running daemon's health endpoint and prints the
// response. Returns the process exit code.
func runStatus(home string) int {
	cfg, err := loadConfig(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roost status: %v\n", err)
		return 1
	}
	if !cfg.Gateway.Enabled {
		fmt.Fprintln(os.Stderr, "roost status: the gateway is disabled in config")
		return 1
	}

	url := healthURL(cfg.Gateway.Addr)
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roost status: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roost status: daemon not reachable at %s: %v\n", url, err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// healthURL normalizes a listen address into a client URL. A bare port or a
// wildcard host dials loopback.
func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	for _, wild := range []string{"0.0.0.0:", "[::]:"} {
		if strings.HasPrefix(addr, wild) {
			addr = "127.0.0.1:" + addr[len(wild):]
			break
		}
	}
	return "http://" + addr + "/healthz"
}
