// Package app runs the terminal chat client: configuration, logging,
// credentials, metrics and the lifetime of the session.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/putto11262002/chatter-client/session"
	"github.com/putto11262002/chatter-client/snapshot"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config   *Config
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	registry *prometheus.Registry
	api      *snapshot.Client
	metrics  *MetricsServer
	// loggedIn is set when the token came from a login, so it is revoked on exit.
	loggedIn bool

	cleanupFuncs []func(context.Context)
}

type Option func(*App)

func WithLogger(logger *slog.Logger) Option {
	return func(app *App) {
		app.logger = logger
	}
}

// WithIO sets where commands are read from and the conversation is written to.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(app *App) {
		app.in = in
		app.out = out
	}
}

// New validates config and prepares the collaborators of the session.
func New(config *Config, opts ...Option) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app := &App{
		config: config,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = NewLogger(os.Stderr, config.Log.Level, config.Log.Color)
	}
	app.registry = NewRegistry()
	app.api = snapshot.New(config.Server.APIURL,
		snapshot.WithLogger(app.logger),
		snapshot.WithToken(config.Auth.Token),
		snapshot.WithTLSConfig(tlsConfig(config.Server.InsecureSkipVerify)))
	if config.Metrics.Addr != "" {
		app.metrics = NewMetricsServer(config.Metrics.Addr, app.registry, app.logger)
	}
	return app, nil
}

// authenticate returns the access token, logging in when none is configured.
func (app *App) authenticate(ctx context.Context) (string, error) {
	if app.config.Auth.Token != "" {
		return app.config.Auth.Token, nil
	}
	res, err := app.api.Login(ctx, app.config.Auth.Username, app.config.Auth.Password)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	app.loggedIn = true
	app.logger.Info(fmt.Sprintf("logged in as %s", res.User.Username))
	return res.Access, nil
}

// Run connects and drives the terminal until the input ends, /quit is
// entered or ctx is cancelled.
func (app *App) Run(ctx context.Context) error {
	defer app.cleanup()

	token, err := app.authenticate(ctx)
	if err != nil {
		return err
	}
	if app.loggedIn {
		app.AddCleanupFunc(func(ctx context.Context) {
			if err := app.api.Logout(ctx); err != nil {
				app.logger.Warn(fmt.Sprintf("logout: %v", err))
			}
		})
	}

	if app.metrics != nil {
		if err := app.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			app.metrics.Shutdown(ctx)
		})
	}

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConfig(app.config.Server.InsecureSkipVerify)
	sess, err := session.New(app.config.SessionConfig(token),
		session.WithLogger(app.logger),
		session.WithSnapshotClient(app.api),
		session.WithRegisterer(app.registry),
		session.WithDialer(&dialer))
	if err != nil {
		return err
	}
	// runs first: the session leaves its room before the token is revoked
	app.cleanupFuncs = append([]func(context.Context){func(context.Context) { sess.Close() }}, app.cleanupFuncs...)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	term := NewTerminal(sess, app.in, app.out)
	err = term.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func (app *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, f := range app.cleanupFuncs {
		f(ctx)
	}
	if ctx.Err() != nil {
		app.logger.Warn("shutdown timed out")
		return
	}
	app.logger.Debug("shut down cleanly")
}
