// Package app holds the state shared by the admin console screens.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/config"
)

type App struct {
	ConfigPath string
	Config     *config.Config
	BaseURL    string

	Client *api.Client

	RequestTimeout time.Duration
}

// New loads the server config and builds an API client for it. baseURL
// overrides the address derived from server.http_listen.
func New(configPath, baseURL string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Admin.Token == "" {
		return nil, fmt.Errorf("admin.token is not set in %s; the admin API is disabled", configPath)
	}

	if baseURL == "" {
		if baseURL, err = baseURLFor(cfg.Server.HTTPListen); err != nil {
			return nil, err
		}
	}

	return &App{
		ConfigPath:     configPath,
		Config:         cfg,
		BaseURL:        baseURL,
		Client:         api.NewClient(baseURL, cfg.Admin.Token),
		RequestTimeout: 5 * time.Second,
	}, nil
}

// Context returns a context bounded by the request timeout.
func (a *App) Context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.RequestTimeout)
}

// baseURLFor turns a listen address into a URL a local client can dial.
func baseURLFor(listen string) (string, error) {
	if listen == "" {
		return "", fmt.Errorf("server.http_listen is empty; pass the server URL explicitly")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("parse http_listen %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
