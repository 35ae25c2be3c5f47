package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
	"github.com/ChamsBouzaiene/taskloop/internal/handlers"
	"github.com/ChamsBouzaiene/taskloop/internal/providers"
	"github.com/ChamsBouzaiene/taskloop/internal/sandbox"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
	"github.com/ChamsBouzaiene/taskloop/internal/workspace"
)

// runtime bundles everything a running task needs. Close releases it in
// reverse order of construction.
type runtime struct {
	store    *taskstore.Store
	catalog  *taskstore.Catalog
	writer   *taskstore.AsyncWriter
	executor *engine.Executor
}

func (r *runtime) Close() {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: background writer: %v\n", err)
		}
	}
	if r.catalog != nil {
		r.catalog.Close()
	}
}

// openStore opens the task store and, when enabled, its catalog.
func (a *app) openStore(ctx context.Context) (*taskstore.Store, *taskstore.Catalog, error) {
	root := a.cfg.TasksRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create tasks root: %w", err)
	}
	opts := taskstore.Options{
		MaxArtifactSize: int64(a.cfg.Persistence.MaxArtifactSize),
		Logger:          a.logger,
	}
	var catalog *taskstore.Catalog
	if a.cfg.Persistence.Catalog {
		c, err := taskstore.OpenCatalog(ctx, filepath.Join(root, taskstore.CatalogFile))
		if err != nil {
			a.logger.Warn("catalog unavailable, listing from disk", "error", err)
		} else {
			catalog = c
			opts.Catalog = c
		}
	}
	store, err := taskstore.New(root, opts)
	if err != nil {
		if catalog != nil {
			catalog.Close()
		}
		return nil, nil, err
	}
	return store, catalog, nil
}

// newRuntime wires the executor for a task working in root. Progress lines
// go to out.
func (a *app) newRuntime(ctx context.Context, root string, out io.Writer) (*runtime, error) {
	store, catalog, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, catalog: catalog}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	mode, err := sandbox.ParseMode(a.cfg.Sandbox.Mode)
	if err != nil {
		return nil, err
	}
	runner, err := sandbox.New(ctx, sandbox.Options{
		Mode:    mode,
		Image:   a.cfg.Sandbox.Image,
		Memory:  int64(a.cfg.Sandbox.Memory),
		CPUs:    a.cfg.Sandbox.CPUs,
		Network: a.cfg.Sandbox.Network,
		Timeout: a.cfg.Handlers.CommandTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	local, err := workspace.LoadSettings(root)
	if err != nil {
		return nil, err
	}
	hopts := handlers.Options{
		Root:           root,
		Runner:         runner,
		MaxReadSize:    int64(a.cfg.Handlers.MaxReadSize),
		MaxSearchHits:  a.cfg.Handlers.MaxSearchHits,
		OutputLimit:    int64(a.cfg.Handlers.OutputLimit),
		CommandTimeout: a.cfg.Handlers.CommandTimeout,
		AllowCommands:  a.cfg.Handlers.AllowCommands,
		TestCommand:    a.cfg.Handlers.TestCommand,
		Logger:         a.logger,
	}
	if local.TestCommand != "" {
		hopts.TestCommand = local.TestCommand
	}
	if len(local.AllowCommands) > 0 {
		hopts.AllowCommands = local.AllowCommands
	}
	reg := engine.NewHandlerRegistry()
	if _, err := handlers.Register(reg, hopts); err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}

	llm, model, err := providers.NewFromConfig(a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.logger.Info("llm ready", "provider", a.cfg.LLM.Provider, "model", model)

	if a.cfg.Persistence.Async {
		rt.writer = taskstore.NewAsyncWriter(store, a.cfg.Persistence.QueueDepth)
	}
	exec, err := engine.New(llm, reg, store, engine.Options{
		Config:   a.cfg.Executor,
		Budget:   a.cfg.Budget,
		Loop:     a.cfg.Loop,
		Memory:   a.cfg.Memory,
		Hooks:    engine.Hooks{engine.LogHook{L: a.logger}, progressHook{out: out}},
		Logger:   a.logger,
		Guidance: local.Rules,
		Writer:   rt.writer,
	})
	if err != nil {
		return nil, err
	}
	rt.executor = exec
	ok = true
	return rt, nil
}
