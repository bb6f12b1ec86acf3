package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/app"
	"github.com/felixgeelhaar/interpreta/pkg/config"
)

// App holds what commands share: the configuration and a container built
// on first use, so commands like version never touch the store.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	mu        sync.Mutex
	container *app.Container
	owned     bool
}

// NewApp creates the CLI application for cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{Config: cfg, Logger: logger}
}

// Container returns the application container, building it on first call.
func (a *App) Container(ctx context.Context) (*app.Container, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.container != nil {
		return a.container, nil
	}
	if a.Config == nil {
		return nil, errors.New("configuration not loaded")
	}
	c, err := app.NewContainer(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	a.container = c
	a.owned = true
	return c, nil
}

// SetContainer installs a prebuilt container. The caller keeps ownership
// and closes it.
func (a *App) SetContainer(c *app.Container) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.container = c
	a.owned = false
	if c != nil && a.Config == nil {
		a.Config = c.Config
	}
}

// OperatorID is the account session commands act as.
func (a *App) OperatorID() (uuid.UUID, error) {
	if a.Config == nil {
		return uuid.Nil, errors.New("configuration not loaded")
	}
	id, err := uuid.Parse(a.Config.OperatorAccountID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid OPERATOR_ACCOUNT_ID %q: %w", a.Config.OperatorAccountID, err)
	}
	return id, nil
}

// Close releases a container built by Container.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.container != nil && a.owned {
		a.container.Close()
	}
	a.container = nil
}

// current is the global CLI application instance
var current *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	current = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return current
}

// Container is a shortcut for GetApp().Container.
func Container(ctx context.Context) (*app.Container, error) {
	if current == nil {
		return nil, errors.New("app not initialized")
	}
	return current.Container(ctx)
}
