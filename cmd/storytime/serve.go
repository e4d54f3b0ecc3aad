package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/config"
	"github.com/danshapiro/storytime/internal/engine"
	"github.com/danshapiro/storytime/internal/logging"
	"github.com/danshapiro/storytime/internal/remote"
	"github.com/danshapiro/storytime/internal/server"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/statestore"
	"github.com/danshapiro/storytime/internal/workflow"
)

func loadConfig(o cliOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.addr != "" {
		cfg.Listen = o.addr
	}
	return cfg, nil
}

// stores are the durable components shared by the server and the offline
// commands.
type stores struct {
	states      statestore.Store
	checkpoints *checkpoint.FileLog
	artifacts   *artifact.Store
	closeFn     func() error
}

func (s *stores) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	switch cfg.StateStore.Backend {
	case "redis":
		rs, err := statestore.NewRedisStore(ctx, cfg.StateStore.RedisURL)
		if err != nil {
			return nil, err
		}
		s.states, s.closeFn = rs, rs.Close
	default:
		fs, err := statestore.NewFileStore(cfg.StateDir())
		if err != nil {
			return nil, err
		}
		s.states = fs
	}
	var err error
	if s.checkpoints, err = checkpoint.NewFileLog(cfg.CheckpointDir()); err != nil {
		s.Close()
		return nil, err
	}
	if s.artifacts, err = artifact.Open(cfg.ArtifactDir()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildTools registers one remote tool per configured entry and insists that
// every production step can run.
func buildTools(cfg *config.Config) (*engine.ToolRegistry, error) {
	reg := engine.NewToolRegistry()
	for _, tc := range cfg.Collaborators.Tools {
		step, err := workflow.ParseStep(tc.Step)
		if err != nil {
			return nil, err
		}
		t := remote.NewHTTPTool(tc.Name, tc.URL)
		t.Timeout = cfg.CollaboratorTimeout()
		if err := reg.Register(step, engine.ToolDefinition{Name: tc.Name, Description: tc.Description, Parameters: tc.Parameters}, t); err != nil {
			return nil, err
		}
	}
	if missing := reg.MissingSteps(); len(missing) > 0 {
		return nil, fmt.Errorf("no tool configured for steps %v", missing)
	}
	return reg, nil
}

func buildEngine(cfg *config.Config, st *stores, sessions *session.Registry, logger zerolog.Logger, sink func(map[string]any)) (*engine.Engine, error) {
	if cfg.Collaborators.PlannerURL == "" {
		return nil, fmt.Errorf("collaborators.planner_url is required to serve")
	}
	tools, err := buildTools(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.ApprovalPolicy()
	if err != nil {
		return nil, err
	}
	planner := remote.NewHTTPPlanner(cfg.Collaborators.PlannerURL)
	planner.Timeout = cfg.CollaboratorTimeout()
	var classifier engine.Classifier = remote.KeywordClassifier{}
	if cfg.Collaborators.ClassifierURL != "" {
		c := remote.NewHTTPClassifier(cfg.Collaborators.ClassifierURL)
		c.Timeout = cfg.CollaboratorTimeout()
		classifier = c
	}
	return engine.New(engine.Options{
		Registry:       sessions,
		States:         st.states,
		Checkpoints:    st.checkpoints,
		Artifacts:      st.artifacts,
		Planner:        planner,
		Classifier:     classifier,
		Tools:          tools,
		Policy:         policy,
		Retry:          cfg.RetryPolicy(),
		ToolTimeout:    cfg.ToolTimeout(),
		PlannerTimeout: cfg.PlannerTimeout(),
		MaxCorrections: cfg.Engine.MaxCorrections,
		MaxHops:        cfg.Engine.MaxHops,
		Logger:         logger.With().Str("component", "engine").Logger(),
		ProgressSink:   sink,
	})
}

func serve(o cliOptions, stderr io.Writer) int {
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logCloser.Close()

	st, err := openStores(context.Background(), cfg)
	if err != nil {
		logger.Error().Err(err).Msg("open stores")
		return 1
	}
	defer st.Close()

	sessions := session.NewRegistry(logger.With().Str("component", "sessions").Logger())
	hub := server.NewEventHub()
	eng, err := buildEngine(cfg, st, sessions, logger, hub.Publish)
	if err != nil {
		logger.Error().Err(err).Msg("build engine")
		return 1
	}
	srv := server.New(server.Config{
		Addr:            cfg.Listen,
		IdleTimeout:     cfg.IdleTimeout(),
		JanitorInterval: cfg.JanitorInterval(),
	}, server.Deps{
		Engine:    eng,
		Artifacts: st.artifacts,
		Sessions:  sessions,
		Events:    hub,
		Logger:    logger,
	})
	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("state_store", cfg.StateStore.Backend).
		Int("tools", len(cfg.Collaborators.Tools)).
		Msg("storytime starting")
	if err := srv.ListenAndServe(); err != nil {
		logger.Error().Err(err).Msg("serve")
		return 1
	}
	return 0
}
