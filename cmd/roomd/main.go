// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command roomd runs the room orchestration engine behind an HTTP/SSE
// surface, wiring every package named in the spec's §4 components together
// (§6's "deployments compose CORE with their own persistence/personas/
// prompts" — this binary is the reference composition, backed by the
// in-memory stand-ins in memstore.go/prompts.go).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/roomorc/pkg/agentmanager"
	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/backend/backenda"
	"github.com/teradata-labs/roomorc/pkg/backend/backendb"
	"github.com/teradata-labs/roomorc/pkg/broadcaster"
	"github.com/teradata-labs/roomorc/pkg/orchestrator"
	"github.com/teradata-labs/roomorc/pkg/persona"
	"github.com/teradata-labs/roomorc/pkg/pool"
	"github.com/teradata-labs/roomorc/pkg/scheduler"
	"github.com/teradata-labs/roomorc/pkg/tape"
	"github.com/teradata-labs/roomorc/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "roomd",
		Short: "roomd runs the multi-agent room orchestration engine.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults to ./roomd.yaml if present)")

	root.AddCommand(newServeCmd(v, &cfgFile))
	return root
}

func newServeCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var personaRoot string
	var demo bool
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/SSE server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *cfgFile != "" {
				v.SetConfigFile(*cfgFile)
			} else {
				v.SetConfigName("roomd")
				v.SetConfigType("yaml")
				v.AddConfigPath(".")
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := newLogger(dev)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return runServe(cmd.Context(), cfg, logger, personaRoot, demo)
		},
	}

	cmd.Flags().StringVar(&personaRoot, "persona-root", "", "directory of per-agent persona.yaml files (§6 PersonaLoader)")
	cmd.Flags().BoolVar(&demo, "demo", false, "seed an in-memory demo room with two agents on startup")
	cmd.Flags().BoolVar(&dev, "dev", false, "use a human-readable development logger instead of JSON production logging")

	return cmd
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(ctx context.Context, cfg serverConfig, logger *zap.Logger, personaRoot string, demo bool) error {
	store := newMemStore()

	var loader *persona.Loader
	if personaRoot != "" {
		loader = persona.NewLoader(personaRoot)
	}

	if demo {
		seedDemoRoom(ctx, store, loader, logger)
	}

	backendAProvider := backenda.New(func() string { return cfg.AnthropicAPIKey }, cfg.AnthropicModel)

	threads := pool.NewThreadSessionManager()
	appServers := pool.NewAppServerPool(threads, logger)
	spawner := newAppServerSpawner(appServers, cfg.AppServerCommand, cfg.AppServerArgs)
	backendBProvider := backendb.New(spawner)

	providers := map[types.BackendName]backend.Provider{
		types.BackendA: backendAProvider,
		types.BackendB: backendBProvider,
	}

	newClientPool := func(p backend.Provider) agentmanager.ClientPool {
		return pool.NewClientPool(p, cfg.ClientPoolConcurrency, logger)
	}
	manager := agentmanager.New(providers, newClientPool, logger)

	bc := broadcaster.New(logger)
	tapes := tape.New(cfg.TapeSeed)
	prompts := staticPrompts{}

	responses := orchestrator.NewResponseGenerator(
		orchestrator.DefaultResponseGeneratorConfig(),
		store, prompts, manager, bc, cfg.ResponseGeneratorSeed, logger,
	)
	orc := orchestrator.New(store, responses, manager, tapes, logger)

	sched := scheduler.New(scheduler.Config{
		TickInterval:       cfg.SchedulerTickInterval,
		IdleThreshold:      cfg.SchedulerIdleThreshold,
		MaxConcurrentRooms: 4,
		ShutdownGrace:      10 * time.Second,
	}, store, orc, logger)

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go sched.Run(schedCtx)

	tickets, err := newTicketIssuer(cfg.TicketTTL)
	if err != nil {
		return fmt.Errorf("build ticket issuer: %w", err)
	}

	srv := &server{
		persistence:  store,
		broadcast:    bc,
		manager:      manager,
		orchestrator: orc,
		tickets:      tickets,
		logger:       logger,
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("roomd listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	cancelSched()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}

	bc.Shutdown()
	appServers.Shutdown()

	return nil
}

// appServerSpawner adapts *pool.AppServerPool into backendb.Spawner, lazily
// registering a pool.StartupConfig the first time an agent key is seen so
// operators don't have to hand-register every persona ahead of time; every
// agent key shares the same app-server binary, distinguished by an env var
// (§4.3: the startup config an agent's persona requires is, in this
// reference deployment, just "run the same app server, tell it who it's
// playing").
type appServerSpawner struct {
	pool    *pool.AppServerPool
	command string
	args    []string

	mu         sync.Mutex
	registered map[string]bool
}

func newAppServerSpawner(p *pool.AppServerPool, command string, args []string) *appServerSpawner {
	return &appServerSpawner{pool: p, command: command, args: args, registered: make(map[string]bool)}
}

func (s *appServerSpawner) Acquire(ctx context.Context, threadID string) (backendb.InstanceHandle, error) {
	if agentKey, ok := backend.AgentKeyFromContext(ctx); ok && agentKey != "" {
		s.ensureRegistered(agentKey)
	}
	return s.pool.Acquire(ctx, threadID)
}

func (s *appServerSpawner) ensureRegistered(agentKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered[agentKey] {
		return
	}
	s.registered[agentKey] = true

	command, args := s.command, s.args
	s.pool.Register(pool.StartupConfig{
		AgentKey: agentKey,
		Command: func() *exec.Cmd {
			cmd := exec.Command(command, args...)
			cmd.Env = append(os.Environ(), "ROOMD_AGENT_KEY="+agentKey)
			return cmd
		},
	})
}

var _ backendb.Spawner = (*appServerSpawner)(nil)

// seedDemoRoom populates an in-memory room with two agents so `roomd serve
// --demo` is runnable without an external persistence layer. If personaRoot
// was supplied, personas are loaded from "<root>/<agent name>/persona.yaml";
// otherwise agents get an empty PersonaConfig.
func seedDemoRoom(ctx context.Context, store *memStore, loader *persona.Loader, logger *zap.Logger) {
	agents := []types.Agent{
		{ID: 1, Name: "Nova", Priority: 0},
		{ID: 2, Name: "Echo", Priority: 0, InterruptEveryTurn: true},
	}

	for i, agent := range agents {
		if loader != nil {
			cfg, err := loader.LoadAgentConfig(ctx, agent.Name)
			if err != nil {
				logger.Warn("persona load failed, using empty persona", zap.String("agent", agent.Name), zap.Error(err))
			} else {
				agent.PersonaConfig = cfg
			}
		}
		agents[i] = agent
		store.PutAgent(agent)
	}

	store.PutRoom(types.Room{
		ID:               1,
		MemberAgentIDs:   []int64{1, 2},
		PreferredBackend: types.BackendA,
		LastActivity:     time.Now(),
	})
}
