package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"bt-locate.klederson.com/internal/api"
	"bt-locate.klederson.com/internal/app"
	"bt-locate.klederson.com/internal/bluetooth"
	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/gps"
	"bt-locate.klederson.com/internal/keyring"
	"bt-locate.klederson.com/internal/locate"
	"bt-locate.klederson.com/internal/logging"
	"bt-locate.klederson.com/internal/rpa"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagDemo     bool
	flagAdapter  string
	flagGPSPort  string
	flagGPSBaud  int
	flagLogLevel string
	flagLogFile  string
	flagDB       string
	flagListen   string

	flagEnv      string
	flagExponent float64
	flagLat      float64
	flagLon      float64
	flagIRKLabel string
	flagTarget   locate.Target
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bt-locate",
		Short: "BT Locate - find one Bluetooth LE device by signal strength",
		Long: `BT Locate follows a single Bluetooth Low Energy target by MAC address,
name, identity resolving key (for devices that rotate private addresses)
or scanner fingerprint, estimating its distance from RSSI and recording a
GPS-tagged trail of detections.

Requires sudo or CAP_NET_ADMIN capability for real Bluetooth scanning.
Use --demo flag for demonstration mode without Bluetooth hardware.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&flagDemo, "demo", false, "Run in demo mode with fake devices (no Bluetooth required)")
	pf.StringVar(&flagAdapter, "adapter", "hci0", "Bluetooth adapter to use")
	pf.StringVar(&flagGPSPort, "gps-port", "", "Serial port of an NMEA GPS receiver (e.g. /dev/ttyUSB0)")
	pf.IntVar(&flagGPSBaud, "gps-baud", config.GPSBaudRate, "GPS receiver baud rate")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flagLogFile, "log-file", "", "Write logs to this file (the locate view discards logs otherwise)")
	pf.StringVar(&flagDB, "db", defaultDBPath(), "Saved IRK keyring database")

	locateCmd := &cobra.Command{
		Use:   "locate",
		Short: "Track a target in the terminal",
		RunE:  runLocate,
	}
	addTargetFlags(locateCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the locate HTTP API with a live detection stream",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagListen, "listen", config.DefaultListen, "HTTP listen address")

	rootCmd.AddCommand(locateCmd, serveCmd, newResolveCmd(), newIRKCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addTargetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagTarget.MACAddress, "mac", "", "Target MAC address")
	f.StringVar(&flagTarget.NamePattern, "name", "", "Case-insensitive substring of the target's advertised name")
	f.StringVar(&flagTarget.IRKHex, "irk", "", "Target identity resolving key (32 hex digits)")
	f.StringVar(&flagIRKLabel, "irk-label", "", "Use a key saved in the keyring")
	f.StringVar(&flagTarget.DeviceID, "device-id", "", "Scanner device id (ADDRESS:public|random)")
	f.StringVar(&flagTarget.DeviceKey, "device-key", "", "Scanner device key")
	f.StringVar(&flagTarget.FingerprintID, "fingerprint", "", "Scanner payload fingerprint")
	f.StringVar(&flagTarget.KnownName, "known-name", "", "Name seen in a previous scan")
	f.StringVar(&flagTarget.KnownManufacturer, "known-manufacturer", "", "Manufacturer seen in a previous scan")
	f.StringVar(&flagEnv, "env", locate.Outdoor.String(), "Environment preset: FREE_SPACE, OUTDOOR, INDOOR or CUSTOM")
	f.Float64Var(&flagExponent, "exponent", 0, "Path loss exponent for --env CUSTOM")
	f.Float64Var(&flagLat, "lat", 0, "Fallback latitude when no GPS fix is available")
	f.Float64Var(&flagLon, "lon", 0, "Fallback longitude when no GPS fix is available")
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bt-locate.db"
	}
	return filepath.Join(dir, "bt-locate", "keyring.db")
}

// stack is everything a locate or serve run needs.
type stack struct {
	log      zerolog.Logger
	logFile  *os.File
	scanner  *bluetooth.Aggregator
	receiver *gps.NMEAReceiver
	keys     *keyring.Store
	registry *locate.Registry
}

// newStack wires the scanner, GPS receiver and keyring. Under the
// terminal view logs go to --log-file or nowhere.
func newStack(ctx context.Context, tui bool) (*stack, error) {
	st := &stack{}

	var out io.Writer
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		st.logFile = f
		out = f
	} else if tui {
		out = io.Discard
	}
	log, err := logging.Setup(flagLogLevel, out)
	if err != nil {
		st.close()
		return nil, err
	}
	st.log = log
	rpa.SetLogger(logging.Component(log, "rpa"))

	var source bluetooth.Source
	opts := []bluetooth.Option{}
	if flagDemo {
		source = bluetooth.NewDemoSource()
	} else {
		source = bluetooth.NewBLESourceOn(flagAdapter)
		opts = append(opts, bluetooth.WithNameResolver(bluetooth.NewNameResolver()))
	}
	st.scanner = bluetooth.NewAggregator(source, logging.Component(log, "scanner"), opts...)

	var position locate.PositionSource = gps.NoFix{}
	if flagGPSPort != "" {
		r, err := gps.OpenNMEA(flagGPSPort, gps.PortOptions{BaudRate: flagGPSBaud}, logging.Component(log, "gps"))
		if err != nil {
			st.close()
			return nil, err
		}
		st.receiver = r
		position = r
	}

	if flagDB != "" {
		keys, err := keyring.Open(ctx, flagDB)
		if err != nil {
			log.Warn().Err(err).Str("path", flagDB).Msg("keyring unavailable")
		} else {
			st.keys = keys
		}
	}

	st.registry = locate.NewRegistry(locate.Options{
		Scanner: st.scanner,
		GPS:     position,
		Log:     logging.Component(log, "locate"),
	})
	return st, nil
}

func (st *stack) close() {
	if st.registry != nil {
		st.registry.StopSession()
	}
	if st.scanner != nil {
		st.scanner.Close()
	}
	if st.receiver != nil {
		if err := st.receiver.Close(); err != nil {
			st.log.Debug().Err(err).Msg("closing GPS receiver")
		}
	}
	if st.keys != nil {
		_ = st.keys.Close()
	}
	if st.logFile != nil {
		_ = st.logFile.Close()
	}
}

// sessionConfig builds the session config from the target flags.
func sessionConfig(cmd *cobra.Command, keys *keyring.Store) (locate.Config, error) {
	target := flagTarget.Clone()
	if target.IRKHex == "" && flagIRKLabel != "" {
		if keys == nil {
			return locate.Config{}, errors.New("--irk-label requires a keyring (--db)")
		}
		entry, err := keys.Get(cmd.Context(), flagIRKLabel)
		if err != nil {
			return locate.Config{}, fmt.Errorf("irk label %q: %w", flagIRKLabel, err)
		}
		target.IRKHex = entry.IRKHex
		if target.KnownName == "" {
			target.KnownName = entry.Label
		}
	}
	if flagDemo && !target.HasIdentifier() {
		target.IRKHex = config.DemoIRK
		target.KnownName = "Hiker's iPhone"
	}

	env, err := locate.ParseEnvironment(flagEnv)
	if err != nil {
		return locate.Config{}, err
	}
	cfg := locate.Config{Target: target, Environment: env}
	if cmd.Flags().Changed("exponent") {
		n := flagExponent
		cfg.CustomExponent = &n
	}
	if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
		lat, lon := flagLat, flagLon
		cfg.FallbackLat, cfg.FallbackLon = &lat, &lon
	}
	return cfg, nil
}

func runLocate(cmd *cobra.Command, args []string) error {
	st, err := newStack(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer st.close()

	cfg, err := sessionConfig(cmd, st.keys)
	if err != nil {
		return err
	}
	if _, err := st.registry.StartSession(cfg); err != nil {
		if errors.Is(err, locate.ErrScannerUnavailable) && !flagDemo {
			fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
			fmt.Fprintln(os.Stderr, "Bluetooth scanning requires elevated permissions.")
			fmt.Fprintln(os.Stderr, "Try one of:")
			fmt.Fprintln(os.Stderr, "  sudo ./bt-locate locate ...")
			fmt.Fprintln(os.Stderr, "  sudo setcap cap_net_admin+ep ./bt-locate")
			fmt.Fprintln(os.Stderr, "  ./bt-locate locate --demo    (demo mode, no hardware needed)")
		}
		return err
	}

	p := tea.NewProgram(
		app.New(st.registry),
		tea.WithAltScreen(),
		tea.WithFPS(30),
	)
	_, err = p.Run()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, false)
	if err != nil {
		return err
	}
	defer st.close()

	opts := []api.Option{}
	if st.keys != nil {
		opts = append(opts, api.WithKeyring(st.keys))
	}
	srv := api.NewServer(st.registry, logging.Component(st.log, "api"), opts...)
	return srv.ListenAndServe(ctx, flagListen)
}
