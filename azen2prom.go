package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XANi/azen2prom/config"
	"github.com/XANi/azen2prom/device"
	"github.com/XANi/azen2prom/history"
	"github.com/XANi/azen2prom/metrics"
	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/web"
	"github.com/XANi/go-yamlcfg"
	"github.com/XANi/goneric"
	"github.com/efigence/go-mon"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version string
var log *zap.SugaredLogger
var debug = true

func init() {
	log = newLogger()
}

func newLogger() *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	// naive systemd detection. Drop timestamp if running under it
	if os.Getenv("JOURNAL_STREAM") != "" {
		encCfg.TimeKey = ""
	}
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return (lvl < zapcore.ErrorLevel) != (lvl == zapcore.DebugLevel && !debug)
	})
	core := zapcore.NewTee(
		zapcore.NewCore(enc, os.Stderr, lowPriority),
		zapcore.NewCore(enc, os.Stderr, highPriority),
	)
	logger := zap.New(core, zap.AddCaller())
	if debug {
		logger = logger.WithOptions(zap.Development(), zap.AddStacktrace(highPriority))
	}
	return logger.Sugar()
}

var flags = []cli.Flag{
	&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "enable debug logs"},
	&cli.StringFlag{Name: "config", Aliases: []string{"c"},
		Usage: "config file, overrides flags",
	},
	&cli.StringFlag{
		Name:  "mqtt-host",
		Usage: "device broker address",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("MQTT_HOST"),
		),
	},
	&cli.IntFlag{
		Name:  "mqtt-port",
		Usage: "broker port, 8883 with TLS and 1883 without",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("MQTT_PORT"),
		),
	},
	&cli.BoolFlag{
		Name:  "mqtt-tls",
		Value: true,
		Usage: "connect over TLS",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("MQTT_TLS"),
		),
	},
	&cli.BoolFlag{
		Name:  "mqtt-tls-verify",
		Usage: "verify broker certificate (the device ships a self-signed one)",
	},
	&cli.StringFlag{
		Name:  "mqtt-protocol",
		Value: "3.1.1",
		Usage: "mqtt protocol version, 3.1.1 or 5",
	},
	&cli.StringFlag{Name: "mqtt-client-id", Usage: "client id, ha_azimut_<serial> by default"},
	&cli.StringFlag{
		Name:  "mqtt-username",
		Usage: "broker username",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("MQTT_USERNAME"),
		),
	},
	&cli.StringFlag{
		Name:  "mqtt-password",
		Usage: "broker password",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("MQTT_PASSWORD"),
		),
	},
	&cli.IntFlag{Name: "mqtt-keepalive", Value: 30, Usage: "keepalive in seconds"},
	&cli.StringFlag{
		Name:  "serial",
		Usage: "device serial number",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("AZEN_SERIAL"),
		),
	},
	&cli.IntFlag{Name: "expire-after", Value: 120, Usage: "seconds without update before a sensor is unavailable"},
	&cli.IntFlag{Name: "liveness-timeout", Value: 120, Usage: "reconnect after this many seconds of silence, negative disables"},
	&cli.IntFlag{Name: "reconnect-initial", Value: 1, Usage: "first reconnect delay in seconds"},
	&cli.IntFlag{Name: "reconnect-max", Value: 30, Usage: "reconnect delay cap in seconds"},
	&cli.BoolFlag{Name: "unavailable-on-disconnect", Usage: "mark all sensors unavailable when the broker connection drops"},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:3001",
		Usage: "listen address of the API and /metrics",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("LISTEN_ADDR"),
		),
	},
	&cli.StringFlag{
		Name:  "pprof-addr",
		Value: "",
		Usage: "address to run pprof on, disabled by default",
	},
	&cli.StringFlag{
		Name:  "prefix",
		Value: "azen_",
		Usage: "prefix for metrics name",
	},
	&cli.StringMapFlag{
		Name: "extra-labels",
		Value: map[string]string{
			"host": goneric.Must(os.Hostname()),
		},
		Usage: "comma separated key=value pairs of additional prometheus labels",
	},
	&cli.StringFlag{Name: "history-driver", Value: history.DriverSqlite, Usage: "sqlite or postgres"},
	&cli.StringFlag{
		Name:  "history-dsn",
		Usage: "history database, recording is off when empty",
		Sources: cli.NewValueSourceChain(
			cli.EnvVar("HISTORY_DSN"),
		),
	},
}

func loadConfig(c *cli.Command) config.Config {
	tls := c.Bool("mqtt-tls")
	cfg := config.Config{
		MQTTHost:                c.String("mqtt-host"),
		MQTTPort:                int(c.Int("mqtt-port")),
		MQTTTLS:                 &tls,
		MQTTTLSVerify:           c.Bool("mqtt-tls-verify"),
		MQTTProtocol:            c.String("mqtt-protocol"),
		MQTTClientID:            c.String("mqtt-client-id"),
		MQTTUsername:            c.String("mqtt-username"),
		MQTTPassword:            c.String("mqtt-password"),
		MQTTKeepAlive:           int(c.Int("mqtt-keepalive")),
		Serial:                  config.Serial(c.String("serial")),
		ExpireAfter:             int(c.Int("expire-after")),
		LivenessTimeout:         int(c.Int("liveness-timeout")),
		ReconnectInitial:        int(c.Int("reconnect-initial")),
		ReconnectMax:            int(c.Int("reconnect-max")),
		UnavailableOnDisconnect: c.Bool("unavailable-on-disconnect"),
		ListenAddress:           c.String("listen-addr"),
		PProfAddress:            c.String("pprof-addr"),
		PrometheusPrefix:        c.String("prefix"),
		ExtraLabels:             c.StringMap("extra-labels"),
		HistoryDriver:           c.String("history-driver"),
		HistoryDSN:              c.String("history-dsn"),
		Debug:                   c.Bool("debug"),
	}
	if c.String("config") != "" {
		err := yamlcfg.LoadConfig([]string{c.String("config")}, &cfg)
		if err != nil {
			log.Fatal(err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %s", err)
	}
	if debug != cfg.Debug {
		debug = cfg.Debug
		log = newLogger()
	}
	log.Debug("debug enabled")
	return cfg
}

func newDevice(cfg config.Config) *device.Device {
	d, err := device.New(device.Config{
		Serial:   cfg.Serial.String(),
		Queue:    cfg.Queue(),
		Registry: cfg.Registry(),
		Logger:   log.Named("azen"),
	})
	if err != nil {
		log.Panicf("error setting up device %s: %s", cfg.Serial.String(), err)
	}
	return d
}

func run(ctx context.Context, c *cli.Command) error {
	cfg := loadConfig(c)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := newDevice(cfg)
	exporter := metrics.New(metrics.Config{
		Prefix:      cfg.PrometheusPrefix,
		ExtraLabels: cfg.ExtraLabels,
		Logger:      log.Named("metrics"),
	})
	d.AddListener(exporter.Listener(cfg.Serial.String()))
	if err := exporter.RegisterQueue(d); err != nil {
		return fmt.Errorf("registering connection metrics: %w", err)
	}

	webCfg := web.Config{
		Logger:     log.Named("web"),
		ListenAddr: cfg.ListenAddress,
		Source:     d,
		Metrics:    exporter.Handler(),
	}
	if hc, ok := cfg.History(); ok {
		hc.Logger = log.Named("history")
		h, err := history.Open(hc)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer h.Close()
		d.AddListener(h.Listener(cfg.Serial.String()))
		webCfg.History = h
	}
	w, err := web.New(webCfg)
	if err != nil {
		log.Panicf("error setting up web listener: %s", err)
	}
	d.AddListener(w.Hub().Listener(cfg.Serial.String()))
	d.OnConnectionChange(w.Hub().ConnectionListener(cfg.Serial.String()))

	if len(cfg.PProfAddress) > 0 {
		log.Infof("listening pprof on %s", cfg.PProfAddress)
		go func() {
			log.Errorf("failed to start debug listener: %s (ignoring)", http.ListenAndServe(cfg.PProfAddress, nil))
		}()
	}

	exit := make(chan error, 1)
	go func() {
		exit <- w.Run()
	}()
	d.Start(ctx)

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		err = nil
	case err = <-exit:
	}
	d.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := w.Shutdown(shutdownCtx); serr != nil {
		log.Warnf("error stopping web listener: %s", serr)
	}
	return err
}

func check(ctx context.Context, c *cli.Command) error {
	cfg := loadConfig(c)
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = queue.ProbeClientID(cfg.Serial.String())
	}
	d := newDevice(cfg)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.Check(ctx); err != nil {
		return fmt.Errorf("cannot reach device %s at %s: %w", cfg.Serial.String(), d.Connection().Host, err)
	}
	topics := d.Topics()
	fmt.Printf("connected to %s, subscribed to %s and %s\n", d.Connection().Host, topics.Discovery, topics.State)
	return nil
}

func main() {
	defer log.Sync()
	// register internal stats
	mon.RegisterGcStats()
	app := &cli.Command{
		Name:        "azen2prom",
		Description: "Export Azimut Azen battery sensors from the device MQTT broker to prometheus",
		Version:     version,
		Flags:       flags,
		Action:      run,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "connect once, subscribe and exit",
				Action: check,
			},
			{
				Name:  "default-config",
				Usage: "print example config file",
				Action: func(context.Context, *cli.Command) error {
					fmt.Print((&config.Config{}).GetDefaultConfig())
					return nil
				},
			},
		},
	}
	log.Infof("Starting %s version: %s", app.Name, version)
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
