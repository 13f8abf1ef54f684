package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/vkleist/chatbox/internal/auth"
	"github.com/vkleist/chatbox/internal/config"
	"github.com/vkleist/chatbox/internal/history"
	"github.com/vkleist/chatbox/internal/remote"
	"github.com/vkleist/chatbox/internal/session"
)

const (
	defaultChannelURL = "ws://localhost:3001/ws"
	defaultHistoryURL = "http://localhost:1337"
)

type runtimeEnv struct {
	Config *config.Config
	Creds  *auth.Context
	Store  *session.Store
	Remote *remote.Client
	Index  *history.Index
}

func (r *runtimeEnv) Close() {
	if r.Index != nil {
		if err := r.Index.Close(); err != nil {
			log.Printf("⚠️  Failed to close history index: %v", err)
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			log.Printf("⚠️  Failed to close session store: %v", err)
		}
	}
}

func prepareRuntimeEnv(ctx context.Context) (*runtimeEnv, error) {
	manager, err := config.NewManager()
	if err != nil {
		return nil, err
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.ChannelURL == "" {
		cfg.ChannelURL = defaultChannelURL
	}
	if cfg.HistoryURL == "" {
		cfg.HistoryURL = defaultHistoryURL
	}

	if err := os.MkdirAll(manager.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	store, err := session.NewStore(ctx, filepath.Join(manager.Dir(), "session.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	index, err := history.NewIndex()
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtimeEnv{
		Config: cfg,
		Creds:  auth.NewContext(manager.Dir()),
		Store:  store,
		Remote: remote.NewClient(cfg.HistoryURL),
		Index:  index,
	}, nil
}
