// Program urpc is a command-line utility for serving and calling urpc peers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/urpc"
	"github.com/creachadair/urpc/channel"
	"github.com/creachadair/urpc/handler"
	"github.com/creachadair/urpc/peers"
	"github.com/rs/zerolog"
)

var flags struct {
	Config    string        `flag:"config,Configuration file (TOML; default $URPC_CONFIG)"`
	WebSocket bool          `flag:"ws,Use WebSocket instead of TCP"`
	LogLevel  string        `flag:"log-level,Log level (debug, info, warn, error)"`
	Listen    string        `flag:"listen,Address to listen on (serve)"`
	Addr      string        `flag:"addr,Address of the peer (call, publish)"`
	Timeout   time.Duration `flag:"timeout,Call timeout"`
	RateLimit float64       `flag:"rate-limit,Maximum requests per second (serve)"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for serving and calling urpc peers.

Settings are read from a TOML configuration file named by --config, or by the
URPC_CONFIG environment variable, and may be overridden by flags.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--listen addr] [--ws]",
				Help: `Serve demonstration methods to connecting peers.

Methods:
  ping         : reply "pong"
  echo ...     : reply with the parameters
  sum n...     : reply with the sum of the numeric parameters
  sleep ms     : wait ms milliseconds, then reply with null`,
				Run: func(env *command.Env) error { return runServe(ctx, env) },
			},
			{
				Name:  "call",
				Usage: "[--addr addr] [--ws] [--timeout d] <method> [json-param...]",
				Help: `Call a method on a peer and print its result as JSON.

Each parameter is parsed as JSON; a parameter that is not valid JSON is sent
as a string.`,
				Run: func(env *command.Env) error { return runCall(ctx, env) },
			},
			{
				Name:  "publish",
				Usage: "[--addr addr] [--ws] <method> [json-param...]",
				Help:  "Send a notification to a peer.",
				Run:   func(env *command.Env) error { return runPublish(ctx, env) },
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// effectiveSettings merges the configuration file with flag overrides.
func effectiveSettings() (settings, error) {
	path := flags.Config
	if path == "" {
		path = os.Getenv("URPC_CONFIG")
	}
	cfg, err := loadSettings(path)
	if err != nil {
		return settings{}, err
	}
	if flags.WebSocket {
		cfg.WebSocket = true
	}
	if flags.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(flags.LogLevel)
		if err != nil {
			return settings{}, fmt.Errorf("invalid --log-level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if flags.Listen != "" {
		cfg.Listen = flags.Listen
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.Timeout > 0 {
		cfg.Timeout = flags.Timeout
	}
	if flags.RateLimit > 0 {
		cfg.RateLimit = flags.RateLimit
	}
	return cfg, nil
}

func newLogger(cfg settings) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(cfg.LogLevel).With().Timestamp().Logger()
}

func runServe(ctx context.Context, env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, err := effectiveSettings()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	mw := []handler.Middleware{handler.Logging(log)}
	if cfg.RateLimit > 0 {
		mw = append(mw, handler.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	h := handler.Chain(demoMux().Serve, mw...)
	newConn := func() *urpc.Conn {
		c := urpc.New(h, &urpc.Options{Logger: &log})
		c.OnError(func(err error) { log.Warn().Err(err).Str("conn_id", c.ID()).Msg("connection error") })
		return c
	}

	lst, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info().Str("addr", lst.Addr().String()).Bool("websocket", cfg.WebSocket).Msg("serving")

	if !cfg.WebSocket {
		return peers.Loop(ctx, peers.NetAccepter(lst), newConn)
	}

	g := taskgroup.New(nil)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := channel.AcceptWebSocket(w, r)
			if err != nil {
				log.Warn().Err(err).Msg("websocket upgrade failed")
				return
			}
			c := newConn()
			if err := channel.Serve(r.Context(), c, t); err != nil {
				log.Debug().Err(err).Str("conn_id", c.ID()).Msg("transport ended")
			}
			c.Wait()
		}),
	}
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	err = srv.Serve(lst)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, g.Wait())
}

func demoMux() *handler.Mux {
	return handler.NewMux().
		Handle("ping", handler.ResultError(func(context.Context) (string, error) {
			return "pong", nil
		})).
		Handle("echo", func(_ context.Context, req *urpc.Request, res *urpc.Response) error {
			if req.Named != nil {
				res.SetResult(req.Named)
			} else {
				res.SetResult(req.Params)
			}
			return nil
		}).
		Handle("sum", handler.ParamResult(func(_ context.Context, ns []float64) float64 {
			var sum float64
			for _, n := range ns {
				sum += n
			}
			return sum
		})).
		Handle("sleep", handler.ParamError(func(ctx context.Context, ms int) error {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
}

// dial connects a new connection to the configured peer. The caller must end
// or close the connection and then call the returned wait function.
func dial(ctx context.Context, cfg settings) (*urpc.Conn, func() error, error) {
	var t channel.Transport
	if cfg.WebSocket {
		ws, err := channel.DialWebSocket(ctx, "ws://"+cfg.Addr)
		if err != nil {
			return nil, nil, err
		}
		t = ws
	} else {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, nil, err
		}
		t = channel.Lines(conn, conn)
	}
	log := newLogger(cfg)
	c := urpc.New(nil, &urpc.Options{Logger: &log})
	p := channel.Bind(c, t)
	run := taskgroup.Go(func() error { return p.Run(ctx) })
	return c, func() error { c.Wait(); return run.Wait() }, nil
}

// parseParams parses each argument as JSON, falling back to a string.
func parseParams(args []string) []any {
	params := make([]any, len(args))
	for i, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params[i] = v
	}
	return params
}

func runCall(ctx context.Context, env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	cfg, err := effectiveSettings()
	if err != nil {
		return err
	}
	c, wait, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	result, cerr := c.Call(ctx, env.Args[0], parseParams(env.Args[1:]), urpc.WithTimeout(cfg.Timeout))
	c.Close()
	werr := wait()
	if cerr != nil {
		return cerr
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return werr
}

func runPublish(ctx context.Context, env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	cfg, err := effectiveSettings()
	if err != nil {
		return err
	}
	c, wait, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	perr := c.Publish(env.Args[0], parseParams(env.Args[1:]))
	c.End()
	return errors.Join(perr, wait())
}
