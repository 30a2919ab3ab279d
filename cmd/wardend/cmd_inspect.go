package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/hardware"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the running daemon's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, base := controlClient()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/status", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("daemon unreachable: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return printIndented(body)
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe accelerator capability and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		detector := hardware.NewDetector(cfg.Hardware.ProbeBinary,
			cfg.Hardware.LocalCapableMinMB, cfg.HardwareCacheTTL())

		report := detector.Refresh(cmd.Context())
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

// controlClient builds an HTTP client for the daemon's control endpoint.
// The unix socket wins when configured, mirroring the daemon's bind order.
func controlClient() (*http.Client, string) {
	if cfg.Control.SocketPath != "" {
		socket := cfg.Control.SocketPath
		client := &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		}
		return client, "http://warden"
	}
	return http.DefaultClient, "http://" + cfg.Control.ListenAddr
}

func printIndented(raw []byte) error {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		// Not JSON; print as-is.
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}
