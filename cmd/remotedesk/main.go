// Package main provides the CLI entry point for the Remote Desk server.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coinstash/remotedesk/internal/api"
	"github.com/coinstash/remotedesk/internal/config"
	"github.com/coinstash/remotedesk/internal/logging"
	"github.com/coinstash/remotedesk/internal/metrics"
	"github.com/coinstash/remotedesk/internal/registry"
	"github.com/coinstash/remotedesk/internal/router"
	"github.com/coinstash/remotedesk/internal/server"
	"github.com/coinstash/remotedesk/internal/tunnel"
	"github.com/coinstash/remotedesk/internal/wizard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "remotedesk",
		Short: "Remote Desk - Remote machine management server",
		Long: `Remote Desk is a remote machine management server. Agents on managed
machines hold a persistent websocket control channel to it; operators
reach machine desktops through relayed VNC tunnels and drive the fleet
through the management HTTP API.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(machinesCmd())
	rootCmd.AddCommand(tunnelsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var configPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Write a configuration file with default values to edit by hand.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}

			header := "# Remote Desk Configuration\n# Set auth.agent_token_hash (or auth.agent_token) before starting.\n\n"
			if err := os.WriteFile(configPath, []byte(header+string(data)), 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Wrote default configuration to %s\n", configPath)
			fmt.Println("Set auth.agent_token_hash before starting the server.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Run the interactive setup wizard",
		Long:  "Walk through server configuration interactively and write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the management server",
		Long:  "Start the control channel, tunnel relay and management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func runServer(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.New()

	reg := registry.New(registry.Credential{
		Hash:  cfg.Auth.AgentTokenHash,
		Plain: cfg.Auth.AgentToken,
	}, logger, m)

	bandwidth, err := cfg.BandwidthBytes()
	if err != nil {
		return err
	}

	tun, err := tunnel.NewManager(tunnel.Config{
		RelayAddr:        cfg.Tunnel.RelayAddr,
		AdvertiseHost:    cfg.Tunnel.AdvertiseHost,
		PortBase:         cfg.Tunnel.PortBase,
		PortCount:        cfg.Tunnel.PortCount,
		HandshakeTimeout: cfg.Tunnel.HandshakeTimeout,
		PendingTimeout:   cfg.Tunnel.PendingTimeout,
		BytesPerSecond:   bandwidth,
	}, reg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create tunnel manager: %w", err)
	}

	hub := router.NewHub(logger, m)
	rt := router.New(reg, tun, hub, logger, m)

	ctrl := server.New(server.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		ControlPath: cfg.Server.ControlPath,
	}, rt, logger, m)

	mgmt := api.New(api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}, reg, rt, tun, logger, m)

	if err := tun.Start(); err != nil {
		return fmt.Errorf("failed to start tunnel relay: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		tun.Stop()
		return fmt.Errorf("failed to start control channel: %w", err)
	}
	if err := mgmt.Start(); err != nil {
		ctrl.Stop()
		tun.Stop()
		return fmt.Errorf("failed to start management API: %w", err)
	}

	fmt.Println("Remote Desk server running")
	fmt.Printf("  Control channel: ws://%s%s\n", ctrl.Address(), cfg.Server.ControlPath)
	fmt.Printf("  Tunnel relay:    %s\n", tun.RelayAddr())
	fmt.Printf("  Operator ports:  %d-%d\n", cfg.Tunnel.PortBase, cfg.Tunnel.PortBase+cfg.Tunnel.PortCount-1)
	fmt.Printf("  Management API:  http://%s\n", mgmt.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := mgmt.Stop(); err != nil {
		logger.Warn("management API shutdown error", logging.KeyError, err)
	}
	if err := ctrl.Stop(); err != nil {
		logger.Warn("control channel shutdown error", logging.KeyError, err)
	}
	tun.Stop()

	fmt.Println("Server stopped.")
	return nil
}

func statusCmd() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query a running server for machine and tunnel counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Status         string `json:"status"`
				MachinesTotal  int    `json:"machines_total"`
				MachinesOnline int    `json:"machines_online"`
				TunnelsActive  int    `json:"tunnels_active"`
				PortsInUse     int    `json:"ports_in_use"`
			}
			if err := apiGet(apiAddr, "/healthz", &st); err != nil {
				return err
			}

			fmt.Printf("Status:          %s\n", st.Status)
			fmt.Printf("Machines:        %d online / %d known\n", st.MachinesOnline, st.MachinesTotal)
			fmt.Printf("Active tunnels:  %d\n", st.TunnelsActive)
			fmt.Printf("Ports in use:    %d\n", st.PortsInUse)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:8080", "Management API address")

	return cmd
}

func machinesCmd() *cobra.Command {
	var apiAddr, customer, site string

	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List known machines",
		Long:  "Query a running server for all registered machines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/machines"
			q := make([]string, 0, 2)
			if customer != "" {
				q = append(q, "customer="+customer)
			}
			if site != "" {
				q = append(q, "site="+site)
			}
			for i, p := range q {
				if i == 0 {
					path += "?" + p
				} else {
					path += "&" + p
				}
			}

			var machines []registry.AgentInfo
			if err := apiGet(apiAddr, path, &machines); err != nil {
				return err
			}

			if len(machines) == 0 {
				fmt.Println("No machines known.")
				return nil
			}

			fmt.Printf("%-34s %-20s %-10s %-8s %s\n", "ID", "HOSTNAME", "OS", "STATE", "LAST SEEN")
			for _, a := range machines {
				state := "offline"
				if a.Online {
					state = "online"
				}
				fmt.Printf("%-34s %-20s %-10s %-8s %s\n",
					a.ID, a.Hostname, a.OS, state, humanize.Time(a.LastSeen))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:8080", "Management API address")
	cmd.Flags().StringVar(&customer, "customer", "", "Filter by customer label")
	cmd.Flags().StringVar(&site, "site", "", "Filter by site label")

	return cmd
}

func tunnelsCmd() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "tunnels",
		Short: "List active tunnels",
		Long:  "Query a running server for all tunnels and their traffic counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tunnels []tunnel.Info
			if err := apiGet(apiAddr, "/api/tunnels", &tunnels); err != nil {
				return err
			}

			if len(tunnels) == 0 {
				fmt.Println("No tunnels active.")
				return nil
			}

			fmt.Printf("%-34s %-7s %-8s %-10s %-10s %s\n", "MACHINE", "PORT", "STATE", "TO MACH", "TO OPER", "AGE")
			for _, t := range tunnels {
				fmt.Printf("%-34s %-7d %-8s %-10s %-10s %s\n",
					t.AgentID, t.Port, t.State,
					humanize.Bytes(t.BytesToMachine),
					humanize.Bytes(t.BytesToOperator),
					humanize.Time(t.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:8080", "Management API address")

	return cmd
}

// apiGet queries the management API of a running server and decodes the JSON
// response into out.
func apiGet(addr, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s (is it running?): %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s for %s", resp.Status, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
