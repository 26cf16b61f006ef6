// Package wizard provides an interactive setup wizard for fileferry.
package wizard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/session"
	"github.com/postalsys/fileferry/internal/transport"
)

// Roles a node can take.
const (
	RoleServer  = "server"
	RoleProxy   = "proxy"
	RoleReverse = "reverse"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string
	StateDir   string
	Roles      []string

	Transport  string
	ListenAddr string
	Path       string
	// Roots is a comma separated list of name=path pairs.
	Roots string

	ProxyTransport string
	ProxyListen    string

	RelayAddress string
	ServiceName  string

	TLS config.TLSConfig

	AnonymousIdentity string
	Username          string
	Password          string
	UserIdentity      string
	Encrypt           bool

	LogLevel string
	Health   bool
}

// DefaultAnswers are the values the forms start from.
func DefaultAnswers() Answers {
	return Answers{
		ConfigPath:        "./fileferry.yaml",
		StateDir:          "./state",
		Roles:             []string{RoleServer},
		Transport:         "tcp",
		ListenAddr:        "0.0.0.0:7000",
		Path:              transport.DefaultWSPath,
		Roots:             "files=./files",
		ProxyTransport:    "tcp",
		ProxyListen:       "0.0.0.0:7001",
		AnonymousIdentity: "none",
		UserIdentity:      "all",
		LogLevel:          "info",
		Health:            true,
	}
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
	w.printBanner()

	a := DefaultAnswers()
	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askRoles,
		w.askServerConfig,
		w.askProxyConfig,
		w.askReverseConfig,
		w.askAuth,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	certsDir := filepath.Join(filepath.Dir(a.ConfigPath), "certs")
	if a.Transport == "quic" || a.ProxyTransport == "quic" || a.TLS.Enabled {
		var err error
		a.TLS, err = w.askTLSSetup(certsDir)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		CertsDir:   certsDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __ _ _       __
 / _(_) | ___ / _| ___ _ __ _ __ _   _
| |_| | |/ _ \ |_ / _ \ '__| '__| | | |
|  _| | |  __/  _|  __/ |  | |  | |_| |
|_| |_|_|\___|_|  \___|_|  |_|   \__, |
                                 |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote File Transfer Node - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the configuration and keep transfer state."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./fileferry.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("State Directory").
				Description("Resumable transfer tasks are saved here").
				Placeholder("./state").
				Value(&a.StateDir).
				Validate(required("state directory")),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askRoles(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Node Role").
				Description("Select what this node does.\nYou can select multiple roles."),

			huh.NewMultiSelect[string]().
				Title("Select Roles").
				Options(
					huh.NewOption("Server (share local directories)", RoleServer),
					huh.NewOption("Proxy (relay clients to other nodes)", RoleProxy),
					huh.NewOption("Reverse (reach this server through a proxy by name)", RoleReverse),
				).
				Value(&a.Roles).
				Validate(validateRoles),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askServerConfig(a *Answers) error {
	if !slices.Contains(a.Roles, RoleServer) {
		return nil
	}
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server").
				Description("Configure the file server listener and shared roots."),

			transportSelect(&a.Transport),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:7000").
				Value(&a.ListenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Roots").
				Description("Shared directories as name=path, separated by commas").
				Placeholder("files=./files").
				Value(&a.Roots).
				Validate(func(s string) error {
					_, err := ParseRoots(s)
					return err
				}),
		),
	).WithTheme(w.theme).Run(); err != nil {
		return err
	}
	if a.Transport == "ws" {
		return w.askPath(&a.Path)
	}
	return nil
}

func (w *Wizard) askPath(path *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Path").
				Description("URL path for the WebSocket endpoint").
				Placeholder(transport.DefaultWSPath).
				Value(path).
				Validate(func(s string) error {
					if s == "" || !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askProxyConfig(a *Answers) error {
	if !slices.Contains(a.Roles, RoleProxy) {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Proxy").
				Description("Clients route through this listener to servers and reverse services."),

			transportSelect(&a.ProxyTransport),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:7001").
				Value(&a.ProxyListen).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askReverseConfig(a *Answers) error {
	if !slices.Contains(a.Roles, RoleReverse) {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Reverse Registration").
				Description("This server dials out to a proxy and is reached there by name."),

			huh.NewInput().
				Title("Proxy Address").
				Placeholder("relay.example.com:7001").
				Value(&a.RelayAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Service Name").
				Description("Clients use name@proxy in their routes").
				Value(&a.ServiceName).
				Validate(validateServiceName),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAuth(a *Answers) error {
	var addUser bool
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("Anonymous logins get a fixed set of capabilities."),

			huh.NewSelect[string]().
				Title("Anonymous Access").
				Options(
					huh.NewOption("Disabled", "none"),
					huh.NewOption("Browse only", "query"),
					huh.NewOption("Browse and download", "query,read"),
					huh.NewOption("Everything", "all"),
				).
				Value(&a.AnonymousIdentity),

			huh.NewConfirm().
				Title("Encrypt sessions?").
				Description("X25519 key exchange with AES-GCM").
				Value(&a.Encrypt),

			huh.NewConfirm().
				Title("Add a user account?").
				Value(&addUser),
		),
	).WithTheme(w.theme).Run(); err != nil {
		return err
	}
	if !addUser {
		return nil
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("User Name").
				Value(&a.Username).
				Validate(required("user name")),

			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password).
				Validate(required("password")),

			huh.NewInput().
				Title("Capabilities").
				Description("all, or a list of query, read, write, run").
				Value(&a.UserIdentity).
				Validate(func(s string) error {
					_, err := session.ParseIdentity(s)
					return err
				}),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askTLSSetup(certsDir string) (config.TLSConfig, error) {
	var choice string
	var certPath, keyPath string

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("QUIC always uses TLS. Without certificate files a\nself-signed certificate is generated at every start."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a self-signed certificate now", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
					huh.NewOption("Generate in memory at startup", "ephemeral"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme).Run(); err != nil {
		return config.TLSConfig{}, err
	}

	switch choice {
	case "generate":
		tc, fp, err := GenerateCertificates(certsDir, "fileferry", 365*24*time.Hour)
		if err != nil {
			return config.TLSConfig{}, err
		}
		fmt.Printf("\n✓ Generated certificate: %s\n", tc.Cert)
		fmt.Printf("  Fingerprint: %s\n\n", fp)
		return tc, nil
	case "existing":
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Certificate File").
					Value(&certPath).
					Validate(fileExists),
				huh.NewInput().
					Title("Private Key File").
					Value(&keyPath).
					Validate(fileExists),
			),
		).WithTheme(w.theme).Run(); err != nil {
			return config.TLSConfig{}, err
		}
		return config.TLSConfig{Enabled: true, Cert: certPath, Key: keyPath}, nil
	default:
		return config.TLSConfig{Enabled: true}, nil
	}
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.Health),

			huh.NewConfirm().
				Title("Use TLS on TCP and WebSocket listeners?").
				Value(&a.TLS.Enabled),
		),
	).WithTheme(w.theme).Run()
}

func transportSelect(v *string) *huh.Select[string] {
	return huh.NewSelect[string]().
		Title("Transport").
		Options(
			huh.NewOption("TCP (default)", "tcp"),
			huh.NewOption("QUIC (UDP, always TLS)", "quic"),
			huh.NewOption("WebSocket (proxy-friendly)", "ws"),
		).
		Value(v)
}

// BuildConfig turns answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()
	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"
	cfg.Client.StateDir = a.StateDir

	if slices.Contains(a.Roles, RoleServer) {
		roots, err := ParseRoots(a.Roots)
		if err != nil {
			return nil, err
		}
		cfg.Server.Enabled = true
		cfg.Server.Transport = a.Transport
		cfg.Server.Listen = a.ListenAddr
		cfg.Server.Roots = roots
		cfg.Server.TLS = a.TLS
		if a.Transport == "ws" {
			cfg.Server.Path = a.Path
		}
	}

	if slices.Contains(a.Roles, RoleProxy) {
		cfg.Proxy.Enabled = true
		cfg.Proxy.Transport = a.ProxyTransport
		cfg.Proxy.Listen = a.ProxyListen
		cfg.Proxy.TLS = a.TLS
	}

	if slices.Contains(a.Roles, RoleReverse) {
		cfg.Reverse.Enabled = true
		cfg.Reverse.Proxy = a.RelayAddress
		cfg.Reverse.Name = a.ServiceName
		cfg.Client.Route = a.RelayAddress + " -> " + a.ServiceName + "@" + a.RelayAddress
	} else if cfg.Server.Enabled {
		cfg.Client.Route = a.ListenAddr
	}

	cfg.Auth.AnonymousIdentity = a.AnonymousIdentity
	cfg.Auth.Encryption.Enabled = a.Encrypt
	if a.Username != "" {
		hash, err := session.HashPassword(a.Password)
		if err != nil {
			return nil, err
		}
		cfg.Auth.Users = []config.UserConfig{{Name: a.Username, PasswordHash: hash, Identity: a.UserIdentity}}
		cfg.Client.Username = a.Username
	}

	cfg.Health.Enabled = a.Health

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseRoots parses "name=path, name=path".
func ParseRoots(s string) ([]config.RootConfig, error) {
	var roots []config.RootConfig
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, path, ok := strings.Cut(field, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("root %q: use name=path", field)
		}
		if strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("root name %q contains a path separator", name)
		}
		roots = append(roots, config.RootConfig{Name: name, Path: path})
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	return roots, nil
}

// GenerateCertificates writes a self-signed certificate and key into dir
// and returns the TLS section pointing at them plus the certificate's
// SHA-256 fingerprint.
func GenerateCertificates(dir, commonName string, validFor time.Duration) (config.TLSConfig, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to create certs directory: %w", err)
	}
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert(commonName, validFor)
	if err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to write key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return config.TLSConfig{}, "", fmt.Errorf("generated certificate is not PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	return config.TLSConfig{Enabled: true, Cert: certPath, Key: keyPath}, hex.EncodeToString(sum[:]), nil
}

// WriteConfig writes cfg as YAML with a generated-by header.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# fileferry configuration
# Generated by setup wizard

`
	// Password hashes live in the file.
	if err := os.WriteFile(path, []byte(header+string(data)), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
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

	fmt.Printf("  Config file:  %s\n", configPath)
	if cfg.Server.Enabled {
		fmt.Printf("  Server:       %s://%s\n", cfg.Server.Transport, cfg.Server.Listen)
		for _, r := range cfg.Server.Roots {
			fmt.Printf("    %-10s  %s\n", r.Name, r.Path)
		}
	}
	if cfg.Proxy.Enabled {
		fmt.Printf("  Proxy:        %s://%s\n", cfg.Proxy.Transport, cfg.Proxy.Listen)
	}
	if cfg.Reverse.Enabled {
		fmt.Printf("  Reverse:      %s@%s\n", cfg.Reverse.Name, cfg.Reverse.Proxy)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the node:")
	fmt.Printf("    fileferry serve -c %s\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateRoles(roles []string) error {
	if len(roles) == 0 {
		return fmt.Errorf("select at least one role")
	}
	if slices.Contains(roles, RoleReverse) && !slices.Contains(roles, RoleServer) {
		return fmt.Errorf("reverse needs the server role")
	}
	return nil
}

func validateHostPort(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validateServiceName(s string) error {
	if s == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(s, "@ >") {
		return fmt.Errorf("service name cannot contain '@', '>' or spaces")
	}
	return nil
}

func fileExists(s string) error {
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("cannot read %s: %w", s, err)
	}
	return nil
}
