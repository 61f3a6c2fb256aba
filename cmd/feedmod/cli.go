package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"feedmod/internal/config"
	"feedmod/internal/logger"
	"feedmod/internal/platform"
	"feedmod/internal/platform/reddit"
	"feedmod/internal/platform/twitter"
	"feedmod/internal/storage"
	"feedmod/internal/transport"
	"feedmod/pkg/api"
	"feedmod/pkg/model"
)

// env 单次命令共享的配置与日志
type env struct {
	cfg *config.Config
	log logger.Logger
	out io.Writer
}

func load(c *cli.Context, out io.Writer) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lv := c.String("log-level"); lv != "" {
		cfg.Log.Level = lv
	}
	l, err := logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: l, out: out}, nil
}

func (e *env) openStore() (*storage.Store, error) {
	if e.cfg.Sqlite.Dsn == "" {
		return nil, nil
	}
	return storage.Open(storage.Options{DSN: e.cfg.Sqlite.Dsn, Prefix: e.cfg.Sqlite.Prefix, Logger: e.log})
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newApp 创建命令行应用
func newApp(out io.Writer) *cli.App {
	action := func(fn func(*env, *cli.Context) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			e, err := load(c, out)
			if err != nil {
				return err
			}
			return fn(e, c)
		}
	}
	app := &cli.App{
		Name:    "feedmod",
		Usage:   "Feed moderation interceptor for Reddit and Twitter/X",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"FEEDMOD_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "Override log.level"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Attach to a browser page over CDP and moderate its feeds",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "Target ID (default: first page)"},
				},
				Action: action(runCmd),
			},
			{
				Name:   "proxy",
				Usage:  "Serve a moderating reverse proxy in front of proxy.upstream",
				Action: action(proxyCmd),
			},
			{
				Name:      "extract",
				Usage:     "Print the posts an adapter extracts from a saved response",
				ArgsUsage: "<file|->",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Request URL used to pick the adapter"},
					&cli.StringFlag{Name: "platform", Usage: "reddit|twitter, overrides --url"},
				},
				Action: action(extractCmd),
			},
			{
				Name:  "filters",
				Usage: "Manage backend content filters",
				Subcommands: []*cli.Command{
					{Name: "list", Usage: "List filters", Action: action(filtersList)},
					{
						Name:      "add",
						Usage:     "Create a filter",
						ArgsUsage: "<text>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "content-type", Value: "all", Usage: "all|text|image"},
							&cli.StringFlag{Name: "duration", Value: "permanent", Usage: "Filter duration"},
						},
						Action: action(filtersAdd),
					},
					{Name: "delete", Usage: "Delete a filter", ArgsUsage: "<id>", Action: action(filtersDelete)},
				},
			},
			{
				Name:  "stats",
				Usage: "Show recorded interception results",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "prune", Usage: "Delete records older than this before reporting"},
				},
				Action: action(statsCmd),
			},
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func startService(ctx context.Context, e *env) (api.Service, *storage.Store, error) {
	store, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}
	svc := api.NewService(e.cfg, e.log, store)
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}

func runCmd(e *env, c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, store, err := startService(ctx, e)
	if err != nil {
		return err
	}
	defer store.Close()
	defer svc.Stop()

	id, err := svc.AttachTarget(ctx, model.TargetID(c.String("target")))
	if err != nil {
		return err
	}
	e.log.Info("开始拦截", "target", string(id))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("收到退出信号")
			return nil
		case ev := <-svc.Events():
			e.log.Info("拦截事件", "type", ev.Type, "url", ev.URL, "endpoint", ev.Endpoint,
				"result", ev.Result, "duration", ev.Duration)
		}
	}
}

func proxyCmd(e *env, c *cli.Context) error {
	if e.cfg.Proxy.Upstream == "" {
		return errors.New("proxy.upstream is required")
	}
	upstream, err := url.Parse(e.cfg.Proxy.Upstream)
	if err != nil {
		return fmt.Errorf("parse proxy.upstream: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc, store, err := startService(ctx, e)
	if err != nil {
		return err
	}
	defer store.Close()
	defer svc.Stop()

	rt, err := svc.RoundTripper(http.DefaultTransport)
	if err != nil {
		return err
	}
	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.Transport = rt
	srv := &http.Server{Addr: e.cfg.Proxy.Listen, Handler: rp, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	e.log.Info("代理已启动", "listen", e.cfg.Proxy.Listen, "upstream", upstream.String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func extractCmd(e *env, c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("extract requires exactly one file argument")
	}
	var (
		raw []byte
		err error
	)
	if name := c.Args().First(); name == "-" {
		raw, err = io.ReadAll(c.App.Reader)
	} else {
		raw, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}

	reg := platform.NewRegistry(reddit.New(), twitter.New())
	var (
		a  platform.Adapter
		ok bool
	)
	if p := c.String("platform"); p != "" {
		a, ok = reg.ForPlatform(model.Platform(p))
	} else {
		a, ok = reg.ForURL(c.String("url"))
	}
	if !ok {
		return errors.New("no adapter: pass --platform or a reddit/twitter --url")
	}
	posts := a.ExtractPosts(string(raw))
	if posts == nil {
		posts = []model.Post{}
	}
	return e.printJSON(posts)
}

func (e *env) filterClient() *transport.HTTPClient {
	return transport.NewHTTPClient(transport.HTTPConfig{
		BaseURL:          e.cfg.Backend.HTTPURL,
		UserID:           e.cfg.User.ID,
		TabID:            e.cfg.User.TabID,
		ExtensionVersion: e.cfg.User.ExtensionVersion,
		Timeout:          e.cfg.Backend.RequestTimeout,
		Logger:           e.log,
	})
}

func filtersList(e *env, c *cli.Context) error {
	list, err := e.filterClient().ListFilters(c.Context)
	if err != nil {
		return err
	}
	return e.printJSON(list)
}

func filtersAdd(e *env, c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("filters add requires the filter text")
	}
	f, err := e.filterClient().CreateFilter(c.Context, model.Filter{
		FilterText:  c.Args().First(),
		ContentType: c.String("content-type"),
		Duration:    c.String("duration"),
	})
	if err != nil {
		return err
	}
	return e.printJSON(f)
}

func filtersDelete(e *env, c *cli.Context) error {
	id, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid filter id %q", c.Args().First())
	}
	return e.filterClient().DeleteFilter(c.Context, id)
}

func statsCmd(e *env, c *cli.Context) error {
	store, err := e.openStore()
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("sqlite.dsn is empty")
	}
	defer store.Close()

	if d := c.Duration("prune"); d > 0 {
		n, err := store.Prune(c.Context, time.Now().Add(-d))
		if err != nil {
			return err
		}
		e.log.Info("已清理历史记录", "deleted", n)
	}
	st, err := store.Stats(c.Context)
	if err != nil {
		return err
	}
	return e.printJSON(st)
}
