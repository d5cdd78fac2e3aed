// Package wizard provides an interactive setup wizard for Remote Desk.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/coinstash/remotedesk/internal/config"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	// AgentToken is the plaintext credential shown to the user once.
	// Only set when the wizard generated or hashed a token.
	AgentToken string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("setup wizard requires an interactive terminal")
	}

	w.printBanner()

	// Step 1: Config file path
	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	// Step 2: Agent credential
	token, tokenHash, plaintext, err := w.askAgentCredential()
	if err != nil {
		return nil, err
	}

	// Step 3: Control channel
	serverAddr, controlPath, err := w.askControlChannel()
	if err != nil {
		return nil, err
	}

	// Step 4: Tunnel relay
	tunnelCfg, err := w.askTunnelConfig()
	if err != nil {
		return nil, err
	}

	// Step 5: Management API and logging
	apiAddr, logLevel, logFormat, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Server.ListenAddr = serverAddr
	cfg.Server.ControlPath = controlPath
	cfg.API.ListenAddr = apiAddr
	cfg.Auth.AgentToken = token
	cfg.Auth.AgentTokenHash = tokenHash
	cfg.Tunnel = tunnelCfg
	cfg.Log.Level = logLevel
	cfg.Log.Format = logFormat

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(cfg, configPath, plaintext)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		AgentToken: plaintext,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		Render(`
  ____                      _         ____            _
 |  _ \ ___ _ __ ___   ___ | |_ ___  |  _ \  ___  ___| | __
 | |_) / _ \ '_ ` + "`" + ` _ \ / _ \| __/ _ \ | | | |/ _ \/ __| |/ /
 |  _ <  __/ | | | | | (_) | ||  __/ | |_| |  __/\__ \   <
 |_| \_\___|_| |_| |_|\___/ \__\___| |____/ \___||___/_|\_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote Machine Management Server - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where to write the server configuration."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return configPath, nil
}

// askAgentCredential returns either a plaintext token or a bcrypt hash,
// never both. The third return value is the plaintext to show the user.
func (w *Wizard) askAgentCredential() (token, tokenHash, plaintext string, err error) {
	var choice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent Credential").
				Description("All machines authenticate with a shared token.\nStoring a bcrypt hash keeps the plaintext out of the config file."),

			huh.NewSelect[string]().
				Title("Token Setup").
				Options(
					huh.NewOption("Generate a random token, store its hash (Recommended)", "generate"),
					huh.NewOption("Enter a token, store its hash", "hash"),
					huh.NewOption("Enter a token, store it in plaintext (development only)", "plain"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	switch choice {
	case "generate":
		plaintext = newRandomToken()
	case "hash", "plain":
		plaintext, err = w.askToken()
		if err != nil {
			return
		}
	}

	if choice == "plain" {
		return plaintext, "", plaintext, nil
	}

	hash, herr := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if herr != nil {
		return "", "", "", fmt.Errorf("failed to hash token: %w", herr)
	}
	return "", string(hash), plaintext, nil
}

func (w *Wizard) askToken() (string, error) {
	var token string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent Token").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("token must be at least 8 characters")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return token, nil
}

func (w *Wizard) askControlChannel() (listenAddr, controlPath string, err error) {
	listenAddr = ":8443"
	controlPath = "/ws"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Control Channel").
				Description("Machines hold a persistent websocket connection here."),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port for the control channel listener").
				Placeholder(":8443").
				Value(&listenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Websocket Path").
				Description("URL path for the websocket endpoint").
				Placeholder("/ws").
				Value(&controlPath).
				Validate(func(s string) error {
					if s == "" || !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askTunnelConfig() (config.TunnelConfig, error) {
	cfg := config.Default().Tunnel
	portBase := strconv.Itoa(cfg.PortBase)
	portCount := strconv.Itoa(cfg.PortCount)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Tunnel Relay").
				Description("Machines dial the relay address; operators connect to\nper-machine ports allocated from the pool."),

			huh.NewInput().
				Title("Relay Address").
				Description("Machine-side relay listener").
				Placeholder(":7000").
				Value(&cfg.RelayAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Advertise Host").
				Description("Hostname or IP machines and operators use to reach this server").
				Placeholder("127.0.0.1").
				Value(&cfg.AdvertiseHost).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("advertise host is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("First Operator Port").
				Placeholder(portBase).
				Value(&portBase).
				Validate(validatePort),

			huh.NewInput().
				Title("Port Pool Size").
				Description("Maximum number of concurrent tunnels").
				Placeholder(portCount).
				Value(&portCount).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),

			huh.NewInput().
				Title("Per-Tunnel Bandwidth Cap").
				Description(`Bytes per second, e.g. "2 MB"; "0" for unlimited`).
				Placeholder("0").
				Value(&cfg.Bandwidth).
				Validate(func(s string) error {
					trial := config.Default()
					trial.Tunnel.Bandwidth = s
					_, err := trial.BandwidthBytes()
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}

	cfg.PortBase, _ = strconv.Atoi(portBase)
	cfg.PortCount, _ = strconv.Atoi(portCount)

	if cfg.PortBase+cfg.PortCount > 65536 {
		return cfg, fmt.Errorf("port range %d-%d exceeds 65535", cfg.PortBase, cfg.PortBase+cfg.PortCount-1)
	}

	return cfg, nil
}

func (w *Wizard) askAdvancedOptions() (apiAddr, logLevel, logFormat string, err error) {
	apiAddr = "127.0.0.1:8080"
	logLevel = "info"
	logFormat = "text"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Management API").
				Description("The HTTP API carries no authentication of its own.\nBind it to localhost or a trusted interface."),

			huh.NewInput().
				Title("API Listen Address").
				Placeholder("127.0.0.1:8080").
				Value(&apiAddr).
				Validate(validateHostPort),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text (human-readable)", "text"),
					huh.NewOption("JSON (machine-readable)", "json"),
				).
				Value(&logFormat),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Remote Desk Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(cfg *config.Config, configPath, token string) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:    %s\n", configPath)
	fmt.Printf("  Control:        ws://%s%s\n", cfg.Server.ListenAddr, cfg.Server.ControlPath)
	fmt.Printf("  Relay:          %s\n", cfg.Tunnel.RelayAddr)
	fmt.Printf("  Operator ports: %d-%d\n", cfg.Tunnel.PortBase, cfg.Tunnel.PortBase+cfg.Tunnel.PortCount-1)
	fmt.Printf("  API:            http://%s\n", cfg.API.ListenAddr)
	fmt.Println()

	if token != "" && cfg.Auth.AgentTokenHash != "" {
		warn := lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))
		fmt.Println(warn.Render("  Agent token (save it now, it is not stored anywhere):"))
		fmt.Printf("    %s\n", token)
		fmt.Println()
	}

	fmt.Println("  To start the server:")
	fmt.Printf("    remotedesk run -c %s\n", configPath)
	fmt.Println()
}

func newRandomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1024 || n > 65535 {
		return fmt.Errorf("must be a port number between 1024 and 65535")
	}
	return nil
}
