// Package wizard provides an interactive setup wizard that writes a
// gateway or server configuration file.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/postalsys/unicorn-tunnel/internal/config"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	noteStyle   = lipgloss.NewStyle().Faint(true)
)

// Wizard drives the interactive configuration prompts.
type Wizard struct {
	existing *config.Config
}

// New creates a setup wizard, optionally seeded with an existing config to
// use as defaults.
func New(existing *config.Config) *Wizard {
	if existing == nil {
		existing = config.Default()
	}
	return &Wizard{existing: existing}
}

// Run executes the interactive prompts and returns the resulting config.
func (w *Wizard) Run() (*config.Config, error) {
	fmt.Println(bannerStyle.Render("unicorn-tunnel setup"))
	fmt.Println(noteStyle.Render("Configure a gateway or server endpoint."))
	fmt.Println()

	cfg := *w.existing

	roleStr := string(config.RoleGateway)
	if cfg.Role == config.RoleServer {
		roleStr = string(config.RoleServer)
	}

	if err := huh.NewSelect[string]().
		Title("Role").
		Description("Which endpoint is this process?").
		Options(
			huh.NewOption("Gateway (local SOCKS5 front door)", string(config.RoleGateway)),
			huh.NewOption("Server (remote tunnel terminator)", string(config.RoleServer)),
		).
		Value(&roleStr).
		Run(); err != nil {
		return nil, fmt.Errorf("wizard: role prompt: %w", err)
	}
	cfg.Role = config.Role(roleStr)

	switch cfg.Role {
	case config.RoleGateway:
		if err := w.askGatewayFields(&cfg); err != nil {
			return nil, err
		}
	case config.RoleServer:
		if err := w.askServerFields(&cfg); err != nil {
			return nil, err
		}
	}

	if err := w.askPassword(&cfg); err != nil {
		return nil, err
	}

	if err := w.askObservability(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wizard: generated config is invalid: %w", err)
	}

	return &cfg, nil
}

func (w *Wizard) askGatewayFields(cfg *config.Config) error {
	if cfg.GatewayListen == "" {
		cfg.GatewayListen = "127.0.0.1:1080"
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "203.0.113.1:1240"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Local SOCKS5 listen address").
				Value(&cfg.GatewayListen).
				Validate(requireHostPort),
			huh.NewInput().
				Title("Remote server address").
				Description("host:port of the unicorn-tunnel server").
				Value(&cfg.ServerAddr).
				Validate(requireHostPort),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("wizard: gateway fields: %w", err)
	}
	return nil
}

func (w *Wizard) askServerFields(cfg *config.Config) error {
	if cfg.ServerListen == "" {
		cfg.ServerListen = config.DefaultServerListen
	}
	if err := huh.NewInput().
		Title("Server listen address").
		Value(&cfg.ServerListen).
		Validate(requireHostPort).
		Run(); err != nil {
		return fmt.Errorf("wizard: server fields: %w", err)
	}
	return nil
}

func (w *Wizard) askPassword(cfg *config.Config) error {
	var choice string
	if err := huh.NewSelect[string]().
		Title("Shared secret").
		Options(
			huh.NewOption("Generate a random secret", "generate"),
			huh.NewOption("Enter one myself", "manual"),
		).
		Value(&choice).
		Run(); err != nil {
		return fmt.Errorf("wizard: password choice: %w", err)
	}

	if choice == "generate" {
		secret, err := randomHex(16)
		if err != nil {
			return fmt.Errorf("wizard: generate secret: %w", err)
		}
		cfg.Password = secret
		fmt.Printf("Generated secret: %s\n", secret)
		return nil
	}

	password, err := readPasswordTwice()
	if err != nil {
		return err
	}
	cfg.Password = password
	return nil
}

func (w *Wizard) askObservability(cfg *config.Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&cfg.LogLevel),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&cfg.LogFormat),
			huh.NewInput().
				Title("Metrics listen address (blank disables /metrics)").
				Value(&cfg.MetricsListen),
		),
	).Run()
	if err != nil {
		return fmt.Errorf("wizard: observability fields: %w", err)
	}
	return nil
}

// readPasswordTwice prompts twice on the real terminal (no echo) and
// confirms the two entries match via bcrypt, rather than ever holding both
// plaintext copies side by side for comparison.
func readPasswordTwice() (string, error) {
	fmt.Print("Secret: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("wizard: read secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword(first, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("wizard: hash secret: %w", err)
	}

	fmt.Print("Confirm secret: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("wizard: read confirmation: %w", err)
	}

	if bcrypt.CompareHashAndPassword(hash, second) != nil {
		return "", fmt.Errorf("wizard: secrets do not match")
	}
	return string(first), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func requireHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}
