package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/adapters/idgen"
	"github.com/mikey-austin/avbridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/avbridge/internal/adapters/soap"
	"github.com/mikey-austin/avbridge/internal/avbd"
	"github.com/mikey-austin/avbridge/internal/ports"
	embeddedmqtt "github.com/mikey-austin/avbridge/internal/modules/embedded_mqtt"
	rendereravt "github.com/mikey-austin/avbridge/internal/modules/renderer_avt"
	statushttp "github.com/mikey-austin/avbridge/internal/modules/status_http"
	"github.com/mikey-austin/avbridge/pkg/avt"
	"github.com/mikey-austin/avbridge/pkg/bridge"
)

type overrides struct {
	broker    string
	identity  string
	topicBase string
	logLevel  string
	logFormat string
	logOutput string
	logSource bool
	logUTC    bool
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		flags      overrides
	)

	root := &cobra.Command{
		Use:           "avbd",
		Short:         "UPnP AV renderer bridge daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultConfig, err := avbd.DefaultConfigPath()
	if err != nil {
		defaultConfig = "avbd.toml"
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "config file path")
	root.PersistentFlags().StringVar(&flags.broker, "broker", "", "MQTT broker URL override")
	root.PersistentFlags().StringVar(&flags.identity, "identity", "", "server identity override")
	root.PersistentFlags().StringVar(&flags.topicBase, "topic-base", "", "topic base override")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format override (text|json)")
	root.PersistentFlags().StringVar(&flags.logOutput, "log-output", "", "log output override (stdout|stderr|path)")
	root.PersistentFlags().BoolVar(&flags.logSource, "log-source", false, "include source file in logs")
	root.PersistentFlags().BoolVar(&flags.logUTC, "log-utc", false, "use UTC timestamps in logs")

	load := func() (avbd.Config, error) {
		cfg, err := avbd.LoadConfig(configPath)
		if err != nil {
			return avbd.Config{}, err
		}
		applyOverrides(&cfg, flags)
		return cfg, nil
	}

	root.AddCommand(runCommand(load))
	root.AddCommand(configCommand(load))
	root.AddCommand(didlCommand())
	root.AddCommand(ctlCommand(load, &flags))
	return root
}

func runCommand(load func() (avbd.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := avbd.NewLogger(avbd.LogConfig{
				Level:     cfg.Server.LogLevel,
				Format:    cfg.Server.LogFormat,
				Output:    cfg.Server.LogOutput,
				AddSource: cfg.Server.LogSource,
				UTC:       cfg.Server.LogUTC,
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
}

func configCommand(load func() (avbd.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return printResolvedConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func didlCommand() *cobra.Command {
	var (
		protocolInfo string
		md           avt.Metadata
		noMetadata   bool
	)
	cmd := &cobra.Command{
		Use:   "didl <uri>",
		Short: "Print the DIDL-Lite document sent for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), avt.EncodeDIDL(args[0], protocolInfo, md, !noMetadata))
			return err
		},
	}
	cmd.Flags().StringVar(&protocolInfo, "protocol-info", "http-get:*:audio/mpeg:*", "resource protocol info")
	cmd.Flags().StringVar(&md.Title, "title", "", "track title")
	cmd.Flags().StringVar(&md.Artist, "artist", "", "track artist")
	cmd.Flags().StringVar(&md.Album, "album", "", "track album")
	cmd.Flags().StringVar(&md.Genre, "genre", "", "track genre")
	cmd.Flags().IntVar(&md.Track, "track", 0, "track number")
	cmd.Flags().Int64Var(&md.DurationMS, "duration-ms", 0, "duration in milliseconds, 0 for a broadcast")
	cmd.Flags().StringVar(&md.Artwork, "artwork", "", "artwork URI")
	cmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "omit descriptive fields")
	return cmd
}

func run(ctx context.Context, cfg avbd.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runners := []avbd.ModuleRunner{}
	if cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedBrokerURL(cfg) {
		broker, err := newEmbeddedBroker(cfg, logger)
		if err != nil {
			return err
		}
		// The broker must accept connections before the client dials it.
		errCh := make(chan error, 1)
		go func() { errCh <- broker.Run(ctx) }()
		select {
		case <-broker.Ready():
		case err := <-errCh:
			return fmt.Errorf("embedded mqtt: %w", err)
		case <-time.After(3 * time.Second):
			return errors.New("embedded mqtt not ready")
		}
		runners = append(runners, avbd.ModuleRunner{Name: "embedded_mqtt", Run: func(ctx context.Context) error {
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return nil
			}
		}})
	}
	if cfg.Server.Broker == "" {
		return errors.New("broker is required")
	}

	logger.Info("avbd starting",
		zap.String("broker", cfg.Server.Broker),
		zap.String("identity", cfg.Server.Identity),
		zap.String("topic_base", cfg.Server.TopicBase),
		zap.Int("renderers", len(cfg.Renderers)),
		zap.Duration("soap_timeout", cfg.SOAP.Timeout()))

	client, err := mqttserver.NewClient(mqttserver.Options{
		BrokerURL: cfg.Server.Broker,
		ClientID:  idgen.Generator{}.ClientID(clientPrefix(cfg)),
		Username:  cfg.Server.Auth.User,
		Password:  cfg.Server.Auth.Pass,
		TLSCA:     cfg.Server.TLS.CA,
		TLSCert:   cfg.Server.TLS.Cert,
		TLSKey:    cfg.Server.TLS.Key,
		Timeout:   2 * time.Second,
		Logger:    logger.With(zap.String("component", "mqtt")),
		Debug:     strings.EqualFold(cfg.Server.LogLevel, "debug"),
	})
	if err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	defer client.Close(250 * time.Millisecond)

	transport := soap.NewClient(logger.With(zap.String("component", "soap")), soap.Options{
		Timeout: cfg.SOAP.Timeout(),
		Workers: cfg.SOAP.Workers,
		Backlog: cfg.SOAP.Backlog,
	})
	defer transport.Close()

	registry := rendereravt.NewRegistry(logger.With(zap.String("component", "registry")), &http.Client{Timeout: cfg.SOAP.Timeout()})
	if err := registerRenderers(ctx, registry, cfg, logger); err != nil {
		return err
	}

	modules, _, err := buildModules(cfg, client, transport, registry, logger)
	if err != nil {
		return err
	}
	supervisor := avbd.Supervisor{Logger: logger}
	return supervisor.Run(ctx, append(runners, modules...))
}

// completionSource feeds the dispatcher.
type completionSource interface {
	ports.Transport
	Completions() <-chan ports.Completion
}

// buildModules wires the controller, its dispatcher and, when client is
// set, the MQTT command surface.
func buildModules(cfg avbd.Config, client *mqttserver.Client, transport completionSource, registry *rendereravt.Registry, logger *zap.Logger) ([]avbd.ModuleRunner, *rendereravt.Controller, error) {
	log := logger.With(zap.String("module", "renderer_avt"))
	ctrl := rendereravt.NewController(log, transport)
	dispatcher := rendereravt.NewDispatcher(log, registry, ctrl)
	var mod *rendereravt.Module
	if client != nil {
		var err error
		mod, err = rendereravt.NewModule(log, client, registry, ctrl, dispatcher, rendereravt.ModuleConfig{TopicBase: cfg.Server.TopicBase})
		if err != nil {
			return nil, nil, err
		}
	}
	runners := []avbd.ModuleRunner{{
		Name: "dispatcher",
		Run: func(ctx context.Context) error {
			return dispatcher.Run(ctx, transport.Completions())
		},
	}}
	if mod != nil {
		runners = append(runners, avbd.ModuleRunner{Name: "renderer_avt", Run: mod.Run})
	}
	if cfg.Modules.StatusHTTP.Enabled {
		status, err := statushttp.NewModule(logger.With(zap.String("module", "status_http")), registry, ctrl, dispatcher, statushttp.Config{
			Listen:      cfg.Modules.StatusHTTP.Listen,
			MaxWatchers: cfg.Modules.StatusHTTP.MaxWatchers,
		})
		if err != nil {
			return nil, nil, err
		}
		runners = append(runners, avbd.ModuleRunner{Name: "status_http", Run: status.Run})
	}
	return runners, ctrl, nil
}

func registerRenderers(ctx context.Context, registry *rendereravt.Registry, cfg avbd.Config, logger *zap.Logger) error {
	for i, rc := range cfg.Renderers {
		dev, err := rendererDevice(ctx, registry, rc, cfg.Defaults)
		if err != nil {
			// A renderer that is switched off should not keep the others dark.
			if rc.Location != "" {
				logger.Warn("renderer description failed", zap.Int("index", i), zap.String("location", rc.Location), zap.Error(err))
				continue
			}
			return fmt.Errorf("renderers[%d]: %w", i, err)
		}
		if err := registry.Add(dev); err != nil {
			return fmt.Errorf("renderers[%d]: %w", i, err)
		}
	}
	return nil
}

func rendererDevice(ctx context.Context, registry *rendereravt.Registry, rc avbd.RendererConfig, defaults avbd.RendererDefaults) (*rendereravt.Device, error) {
	eff := rc.Effective(defaults)
	curve, err := rendereravt.ParseVolumeCurve(eff.VolumeCurve)
	if err != nil {
		return nil, err
	}
	devCfg := rendereravt.Config{
		SendMetadata:  eff.SendMetadata,
		AcceptNextURI: eff.AcceptNextURI,
		ForceVolume:   eff.ForceVolume,
		NoZeroVolume:  eff.NoZeroVolume,
		VolumeCurve:   curve,
	}

	var dev *rendereravt.Device
	if rc.Location != "" {
		dev, err = registry.Describe(ctx, rc.Location, devCfg)
		if err != nil {
			return nil, err
		}
		if rc.Name != "" {
			dev.Name = rc.Name
		}
	} else {
		dev = rendereravt.NewDevice(strings.TrimPrefix(rc.UDN, "uuid:"), rc.Name, devCfg)
	}

	explicit := []struct {
		kind    rendereravt.ServiceKind
		url     string
		service string
	}{
		{rendereravt.ServiceTransport, rc.AVTransportURL, avt.ServiceAVTransport},
		{rendereravt.ServiceRendering, rc.RenderingURL, avt.ServiceRenderingControl},
		{rendereravt.ServiceConnection, rc.ConnectionURL, avt.ServiceConnectionManager},
		{rendereravt.ServiceGroupRendering, rc.GroupRenderingURL, avt.ServiceGroupRenderingControl},
	}
	for _, e := range explicit {
		if e.url != "" {
			dev.SetService(e.kind, rendereravt.Service{ControlURL: e.url, Type: e.service})
		}
	}
	return dev, nil
}

func applyOverrides(cfg *avbd.Config, flags overrides) {
	if flags.broker != "" {
		cfg.Server.Broker = flags.broker
	}
	if flags.identity != "" {
		cfg.Server.Identity = flags.identity
	}
	if flags.topicBase != "" {
		cfg.Server.TopicBase = flags.topicBase
	}
	if flags.logLevel != "" {
		cfg.Server.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Server.LogFormat = flags.logFormat
	}
	if flags.logOutput != "" {
		cfg.Server.LogOutput = flags.logOutput
	}
	if flags.logSource {
		cfg.Server.LogSource = true
	}
	if flags.logUTC {
		cfg.Server.LogUTC = true
	}
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = bridge.BaseTopic
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedBrokerURL(*cfg)
	}
}

func embeddedConfig(cfg avbd.Config) embeddedmqtt.Config {
	return embeddedmqtt.Config{
		Listen:         cfg.Modules.EmbeddedMQTT.Listen,
		AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
		Username:       cfg.Modules.EmbeddedMQTT.Username,
		Password:       cfg.Modules.EmbeddedMQTT.Password,
		TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
		TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
		TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,
	}
}

func embeddedBrokerURL(cfg avbd.Config) string {
	ec := embeddedConfig(cfg)
	listen := ec.Listen
	if listen == "" {
		listen = "127.0.0.1:1883"
	}
	return embeddedmqtt.BrokerURL(listen, ec.TLSEnabled())
}

func newEmbeddedBroker(cfg avbd.Config, logger *zap.Logger) (*embeddedmqtt.Module, error) {
	return embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
}

func clientPrefix(cfg avbd.Config) string {
	if cfg.Server.Identity != "" {
		return cfg.Server.Identity
	}
	return "avbd"
}

func printResolvedConfig(w io.Writer, cfg avbd.Config) error {
	redacted := cfg
	if redacted.Server.Auth.Pass != "" {
		redacted.Server.Auth.Pass = "********"
	}
	if redacted.Modules.EmbeddedMQTT.Password != "" {
		redacted.Modules.EmbeddedMQTT.Password = "********"
	}
	text, err := redacted.Encode()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}
