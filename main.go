package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-cleanhttp"
	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"

	"github.com/richardartoul/cacherouter/backends"
	"github.com/richardartoul/cacherouter/config"
	"github.com/richardartoul/cacherouter/notify"
	"github.com/richardartoul/cacherouter/pkg/locking"
	"github.com/richardartoul/cacherouter/router"
)

// EnvLogLevel overrides the log level.
const EnvLogLevel = "CACHEROUTER_LOG"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx := context.Background()

	app, err := newApp(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// newApp loads the config file before the flags are built so that each
// flag can fall back to its YAML key.
func newApp(args []string) (*cli.Command, error) {
	cfg, err := config.Load(configPathFromArgs(args))
	if err != nil {
		return nil, err
	}

	return &cli.Command{
		Name:  "cacherouter",
		Usage: "caching request router for an offline-capable web app",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Sources: cli.EnvVars(config.EnvConfig),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: cfg.LogLevel,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar(EnvLogLevel),
					yaml.YAML("log_level", altsrc.StringSourcer(cfg.Source)),
				),
			},
		},
		Commands: []*cli.Command{
			serveCommand(cfg),
			classifyCommand(cfg),
			messageCommand(cfg),
		},
	}, nil
}

// configPathFromArgs finds --config/-c before flag parsing.
func configPathFromArgs(args []string) string {
	for i := 1; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		for _, name := range []string{"--config", "-config", "-c"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
		}
	}
	return ""
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func stringFlag(name, yamlKey, env, usage, value, source string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  name,
		Usage: usage,
		Value: value,
		Sources: cli.NewValueSourceChain(
			cli.EnvVar(env),
			yaml.YAML(yamlKey, altsrc.StringSourcer(source)),
		),
	}
}

func serveCommand(cfg config.Config) *cli.Command {
	src := cfg.Source
	return &cli.Command{
		Name:  "serve",
		Usage: "install the partitions and serve requests",
		Flags: []cli.Flag{
			stringFlag("listen", "listen", "CACHEROUTER_LISTEN", "address to listen on", cfg.Listen, src),
			stringFlag("origin", "origin", "CACHEROUTER_ORIGIN", "origin that requests are forwarded to", cfg.Origin, src),
			stringFlag("backend", "backend.type", "CACHEROUTER_BACKEND", "memory, disk, s3 or redis", cfg.Backend.Type, src),
			stringFlag("dir", "backend.dir", "CACHEROUTER_DIR", "disk backend directory", cfg.Backend.Dir, src),
			stringFlag("bucket", "backend.bucket", "CACHEROUTER_S3_BUCKET", "s3 backend bucket", cfg.Backend.Bucket, src),
			stringFlag("prefix", "backend.prefix", "CACHEROUTER_S3_PREFIX", "s3 backend key prefix", cfg.Backend.Prefix, src),
			stringFlag("region", "backend.region", "AWS_REGION", "s3 backend region", cfg.Backend.Region, src),
			stringFlag("profile", "backend.profile", "AWS_PROFILE", "s3 backend shared config profile", cfg.Backend.Profile, src),
			stringFlag("endpoint", "backend.endpoint", "CACHEROUTER_S3_ENDPOINT", "s3 compatible endpoint", cfg.Backend.Endpoint, src),
			stringFlag("redis-addr", "backend.redis_addr", "CACHEROUTER_REDIS_ADDR", "redis backend address", cfg.Backend.RedisAddr, src),
			stringFlag("namespace", "backend.namespace", "CACHEROUTER_REDIS_NAMESPACE", "redis backend key namespace", cfg.Backend.Namespace, src),
			&cli.DurationFlag{
				Name:  "api-freshness",
				Usage: "maximum age of a cached API response served after a network failure",
				Value: cfg.APIFreshness,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("CACHEROUTER_API_FRESHNESS"),
					yaml.YAML("api_freshness", altsrc.StringSourcer(src)),
				),
			},
			&cli.BoolFlag{
				Name:  "skip-waiting",
				Usage: "activate immediately after install",
				Value: cfg.SkipWaiting,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("CACHEROUTER_SKIP_WAITING"),
					yaml.YAML("skip_waiting", altsrc.StringSourcer(src)),
				),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log every backend operation",
				Value: cfg.Debug,
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("CACHEROUTER_DEBUG"),
					yaml.YAML("debug", altsrc.StringSourcer(src)),
				),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listen = cmd.String("listen")
			cfg.Origin = cmd.String("origin")
			cfg.Backend.Type = cmd.String("backend")
			cfg.Backend.Dir = cmd.String("dir")
			cfg.Backend.Bucket = cmd.String("bucket")
			cfg.Backend.Prefix = cmd.String("prefix")
			cfg.Backend.Region = cmd.String("region")
			cfg.Backend.Profile = cmd.String("profile")
			cfg.Backend.Endpoint = cmd.String("endpoint")
			cfg.Backend.RedisAddr = cmd.String("redis-addr")
			cfg.Backend.Namespace = cmd.String("namespace")
			cfg.APIFreshness = cmd.Duration("api-freshness")
			cfg.SkipWaiting = cmd.Bool("skip-waiting")
			cfg.Debug = cmd.Bool("debug")
			cfg.LogLevel = cmd.Root().String("log-level")
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := newLogger(cfg.LogLevel, os.Stderr)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, logger)
		},
	}
}

// lockGroup picks how writes of one key are serialized. Disk writes take
// cross-process file locks. S3 PutObject and Redis HSET already replace a
// single key atomically on the server.
func lockGroup(cfg config.Backend) (locking.Group, error) {
	switch cfg.Type {
	case config.BackendDisk:
		// Lock files live beside the cache directory so they are never
		// listed as a partition.
		fl, err := locking.NewFileLock(strings.TrimRight(cfg.Dir, "/") + "-locks")
		if err != nil {
			return nil, err
		}
		return fl, nil
	case config.BackendS3, config.BackendRedis:
		return locking.NewNoOpGroup(), nil
	default:
		return locking.NewMemLock(), nil
	}
}

// buildBackend returns the configured backend and the lock group that
// serializes its writes.
func buildBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends.Backend, locking.Group, error) {
	var (
		backend backends.Backend
		err     error
	)

	switch cfg.Backend.Type {
	case config.BackendMemory:
		backend = backends.NewMemory()
	case config.BackendDisk:
		backend, err = backends.NewDisk(cfg.Backend.Dir, logger)
	case config.BackendS3:
		backend, err = backends.NewS3FromEnv(ctx, backends.S3Options{
			Bucket:   cfg.Backend.Bucket,
			Prefix:   cfg.Backend.Prefix,
			Region:   cfg.Backend.Region,
			Profile:  cfg.Backend.Profile,
			Endpoint: cfg.Backend.Endpoint,
		}, logger)
	case config.BackendRedis:
		backend, err = backends.NewRedis(cfg.Backend.RedisAddr, cfg.Backend.Namespace, logger)
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	locks, err := lockGroup(cfg.Backend)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	if cfg.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, locks, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("failed to parse origin: %w", err)
	}

	backend, locks, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}()

	recorder := notify.NewRecorder(100)
	recorder.Next = notify.Log{Logger: logger}

	r, err := router.New(router.Options{
		Backend:      backend,
		Fetcher:      cleanhttp.DefaultPooledClient(),
		Locks:        locks,
		Notifier:     recorder,
		Opener:       recorder,
		Logger:       logger,
		Origin:       origin,
		Partitions:   cfg.Partitions,
		Patterns:     cfg.Patterns,
		Precache:     cfg.Precache,
		APIFreshness: cfg.APIFreshness,
		SkipWaiting:  cfg.SkipWaiting,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           NewServer(r, recorder, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.Listen,
			"origin", cfg.Origin,
			"backend", cfg.Backend.Type,
			"state", r.State().String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	}

	logger.Info("stopped", "summary", r.Metrics().Snapshot().String())
	return nil
}

func classifyCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "print the category of each path",
		ArgsUsage: "<path>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("classify requires at least one path")
			}
			c, err := router.NewClassifier(cfg.Patterns, cfg.Precache)
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			if w == nil {
				w = os.Stdout
			}
			for _, path := range cmd.Args().Slice() {
				fmt.Fprintf(w, "%s\t%s\n", path, c.Classify(path))
			}
			return nil
		},
	}
}

func messageCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:      "message",
		Usage:     "post a control message to a running instance",
		ArgsUsage: "<" + router.MessageSkipWaiting + "|" + router.MessageClearCache + ">",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "base URL of the running instance",
				Value:   localAddr(cfg.Listen),
				Sources: cli.EnvVars("CACHEROUTER_ADDR"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("message requires exactly one message type")
			}
			w := cmd.Root().Writer
			if w == nil {
				w = os.Stdout
			}
			return postMessage(ctx, cleanhttp.DefaultClient(), cmd.String("addr"), cmd.Args().First(), w)
		},
	}
}

// localAddr turns a listen address into a URL for a local client.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

func postMessage(ctx context.Context, client *http.Client, addr, msgType string, w io.Writer) error {
	endpoint := strings.TrimRight(addr, "/") + ControlPrefix + "/message"
	body := fmt.Sprintf(`{"type":%q}`, msgType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("message %s rejected with status %d: %s", msgType, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	fmt.Fprintln(w, strings.TrimSpace(string(data)))
	return nil
}
