package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/scdispatch/gateway"
	"github.com/guseggert/scdispatch/internal/config"
	"github.com/guseggert/scdispatch/internal/files"
	"github.com/guseggert/scdispatch/internal/logging"
	inet "github.com/guseggert/scdispatch/internal/net"
	"github.com/guseggert/scdispatch/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a YAML config file. Defaults to the nearest .scdispatch.yaml. Flags and environment variables take precedence over it.",
			EnvVars: []string{"SCDISPATCH_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Minimum log level. One of [debug,info,warn,error].",
			Value:   "info",
			EnvVars: []string{"SCDISPATCH_LOG_LEVEL"},
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Usage:   "Host address to listen on.",
			Value:   "0.0.0.0",
			EnvVars: []string{"SCDISPATCH_HOST"},
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to listen on.",
			Value:   5000,
			EnvVars: []string{"SCDISPATCH_PORT"},
		},
		&cli.StringFlag{
			Name:    "ide-class",
			Aliases: []string{"i"},
			Usage:   "Name of the IDE class passed to sclang.",
			Value:   "scvim",
			EnvVars: []string{"SCDISPATCH_IDE_CLASS"},
		},
		&cli.StringFlag{
			Name:    "program",
			Usage:   "The interpreter to run.",
			Value:   "sclang",
			EnvVars: []string{"SCDISPATCH_PROGRAM"},
		},
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "Host address of the server.",
			Value: "http://127.0.0.1",
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port of the server.",
			Value:   5000,
		},
		&cli.IntFlag{
			Name:  "retry-max",
			Usage: "Number of times to retry a failed send.",
		},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "scdispatch",
		Usage: "server and client for sending commands to sclang",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Start sclang and accept commands over HTTP",
				Flags:  serverFlags(),
				Action: runServer,
			},
			{
				Name:      "client",
				Usage:     "Send a command to the sclang server",
				ArgsUsage: "<command>",
				Flags:     clientFlags(),
				Action:    runClient,
			},
			{
				Name:   "tail",
				Usage:  "Print the output of sclang as the server receives it",
				Flags:  clientFlags(),
				Action: runTail,
			},
		},
	}
}

// defaultConfigFile is looked up from the working directory when --config is not given.
const defaultConfigFile = ".scdispatch.yaml"

// loadConfig resolves the config: defaults, then the config file, then any flag or environment variable that was set.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = files.FindUp(defaultConfigFile, wd)
		if err != nil {
			return config.Config{}, fmt.Errorf("looking for %s: %w", defaultConfigFile, err)
		}
	}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

func serverConfig(c *cli.Context) (config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, err
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("ide-class") {
		cfg.Server.IDEClass = c.String("ide-class")
	}
	if c.IsSet("program") {
		cfg.Server.Program = c.String("program")
	}
	return cfg, cfg.Server.Validate()
}

func clientConfig(c *cli.Context) (config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, err
	}
	if c.IsSet("host") {
		cfg.Client.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Client.Port = c.Int("port")
	}
	if c.IsSet("retry-max") {
		cfg.Client.RetryMax = c.Int("retry-max")
	}
	return cfg, cfg.Client.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(level), nil
}

func runServer(c *cli.Context) error {
	cfg, err := serverConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	g := gateway.NewGateway(
		gateway.WithLogger(logger),
		gateway.WithListenAddr(inet.ListenAddr(cfg.Server.Host, cfg.Server.Port)),
		gateway.WithProgram(cfg.Server.Program),
		gateway.WithIDEClass(cfg.Server.IDEClass),
		gateway.WithBackoffPolicy(process.BackoffPolicy{
			Min:                  cfg.Server.Reader.MinBackoff,
			Max:                  cfg.Server.Reader.MaxBackoff,
			MaxConsecutiveErrors: cfg.Server.Reader.MaxConsecutiveErrors,
		}),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Run(ctx)
}

func newClient(c *cli.Context) (*gateway.Client, error) {
	cfg, err := clientConfig(c)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(
		inet.ServerURL(cfg.Client.Host, cfg.Client.Port),
		gateway.WithClientLogger(logger),
		gateway.WithClientRetryMax(cfg.Client.RetryMax),
	), nil
}

func runClient(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one command")
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	return client.SendCommand(c.Context, c.Args().First())
}

func runTail(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return client.Tail(ctx, os.Stdout)
}
