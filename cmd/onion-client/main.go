package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"ikedadada/go-onion/internal/handler"
	infrarepo "ikedadada/go-onion/internal/infrastructure/repository"
	infrasvc "ikedadada/go-onion/internal/infrastructure/service"
	"ikedadada/go-onion/internal/log"
	"ikedadada/go-onion/internal/usecase"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

// config is the client's TOML configuration.
type config struct {
	LogFile  string `toml:"log_file"`
	LogLevel string `toml:"log_level"`

	TargetHops int `toml:"target_hops"`
	MaxHops    int `toml:"max_hops"`

	DialTimeoutSec       int `toml:"dial_timeout_sec"`
	HandshakeTimeoutSec  int `toml:"handshake_timeout_sec"`
	StreamTimeoutSec     int `toml:"stream_timeout_sec"`
	RendezvousTimeoutSec int `toml:"rendezvous_timeout_sec"`

	RelaySet     string `toml:"relay_set"`
	DirectoryURL string `toml:"directory_url"`

	// Path is the circuit to build: the first entry is the CREATE hop,
	// the rest are EXTEND targets.
	Path []pathEntry `toml:"path"`
}

type pathEntry struct {
	Host        string `toml:"host"`
	Port        uint16 `toml:"port"`
	Fingerprint string `toml:"fingerprint"`
}

func defaultConfig() config {
	return config{
		LogLevel:             "INFO",
		TargetHops:           3,
		MaxHops:              8,
		DialTimeoutSec:       10,
		HandshakeTimeoutSec:  10,
		StreamTimeoutSec:     15,
		RendezvousTimeoutSec: 30,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

type app struct {
	cfg    config
	client *handler.Client
}

func newApp(cfg config) (*app, error) {
	backend, err := log.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	crypto := infrasvc.NewCryptoService()
	transport := infrasvc.NewTCPTransportService(time.Duration(cfg.DialTimeoutSec) * time.Second)
	dispatch := usvc.NewCellDispatchService(backend.GetLogger("dispatch"))
	builder := usvc.NewCircuitBuildService(crypto, transport, dispatch,
		backend.GetLogger("builder"),
		time.Duration(cfg.HandshakeTimeoutSec)*time.Second,
		time.Duration(cfg.HandshakeTimeoutSec)*time.Second)
	streams := usvc.NewStreamManagerService(dispatch, backend.GetLogger("streams"),
		time.Duration(cfg.StreamTimeoutSec)*time.Second)

	circuits := infrarepo.NewCircuitRepository()
	directory, err := infrarepo.LoadRelaySet(cfg.RelaySet)
	if err != nil {
		return nil, err
	}
	descriptors := infrarepo.NewHTTPDescriptorRepository(cfg.DirectoryURL,
		time.Duration(cfg.DialTimeoutSec)*time.Second)

	client := handler.NewClient(
		usecase.NewCreateCircuitUseCase(builder, circuits),
		usecase.NewExtendCircuitUseCase(builder, circuits),
		usecase.NewConnectUseCase(streams, circuits),
		usecase.NewDestroyCircuitUseCase(dispatch, circuits),
		usecase.NewHiddenConnectUseCase(crypto, builder, dispatch, streams,
			directory, descriptors, circuits, backend.GetLogger("hidden"),
			time.Duration(cfg.RendezvousTimeoutSec)*time.Second),
		cfg.TargetHops, cfg.MaxHops,
	)
	return &app{cfg: cfg, client: client}, nil
}

// buildPath creates the configured circuit.
func (a *app) buildPath(cmd *cobra.Command) error {
	if len(a.cfg.Path) == 0 {
		return fmt.Errorf("config lists no circuit path")
	}
	first := a.cfg.Path[0]
	if err := a.client.Create(cmd.Context(), first.Host, first.Port, first.Fingerprint); err != nil {
		return err
	}
	for _, hop := range a.cfg.Path[1:] {
		if err := a.client.Extend(cmd.Context(), hop.Host, hop.Port, hop.Fingerprint); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var configPath string
	var a *app

	root := &cobra.Command{
		Use:           "onion-client",
		Short:         "Onion-routed client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err = newApp(cfg)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "client.toml", "path to client config")

	connectCmd := &cobra.Command{
		Use:   "connect <host> <port>",
		Short: "Build the configured circuit and relay a request from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			if err := a.buildPath(cmd); err != nil {
				return err
			}
			defer a.client.Close()
			req, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			resp, err := a.client.Connect(cmd.Context(), args[0], port, req)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(resp)
			return err
		},
	}

	var introFP, rendFP, serviceFP string
	hiddenCmd := &cobra.Command{
		Use:   "hidden <address.onion> <port>",
		Short: "Connect to a hidden service and relay a request from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			if serviceFP != "" {
				if err := a.client.SetPinnedRelays(introFP, rendFP, serviceFP); err != nil {
					return err
				}
			}
			req, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			resp, err := a.client.ResolveAndConnect(cmd.Context(), args[0], port, req)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(resp)
			return err
		},
	}
	hiddenCmd.Flags().StringVar(&introFP, "intro", "", "pinned introduction point fingerprint")
	hiddenCmd.Flags().StringVar(&rendFP, "rend", "", "pinned rendezvous point fingerprint")
	hiddenCmd.Flags().StringVar(&serviceFP, "service", "", "pinned service fingerprint")

	root.AddCommand(connectCmd, hiddenCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parsePort(s string) (uint16, error) {
	var p uint16
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
