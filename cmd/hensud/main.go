// Command hensud runs the workflow engine server.
//
// Configuration comes from flags, environment variables (HENSUD_ prefix), or
// a config file:
//
//	hensud serve --addr :8080 --store sqlite --sqlite-path ./hensu.db
//	hensud serve --config ./hensud.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hensu-project/hensu-sub002/engine"
	"github.com/hensu-project/hensu-sub002/engine/agent"
	"github.com/hensu-project/hensu-sub002/engine/emit"
	"github.com/hensu-project/hensu-sub002/mcp"
	"github.com/hensu-project/hensu-sub002/server"
	"github.com/hensu-project/hensu-sub002/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hensud",
		Short: "Multi-tenant agentic workflow engine server",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				viper.SetConfigFile(configFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			return serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file path")
	flags.String("addr", ":8080", "listen address")
	flags.String("store", "memory", "state store backend: memory, sqlite, mysql")
	flags.String("sqlite-path", "hensu.db", "SQLite database path")
	flags.String("mysql-dsn", "", "MySQL DSN (user:pass@tcp(host:3306)/db?parseTime=true)")
	flags.Bool("log-json", false, "emit events as JSON lines")
	flags.Duration("tool-timeout", 30*time.Second, "per-tool-call timeout")
	flags.StringToString("tokens", nil, "bearer token to tenant mapping (token=tenant)")

	for _, name := range []string{"addr", "store", "sqlite-path", "mysql-dsn", "log-json", "tool-timeout", "tokens"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("HENSUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func serve(ctx context.Context) error {
	workflows, states, closer, err := openStore()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	agents := agent.NewRegistry()
	registerProviders(agents)

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)
	hub := mcp.NewHub(viper.GetDuration("tool-timeout"))

	emitter := emit.NewLogEmitter(os.Stdout, viper.GetBool("log-json"))

	exec, err := engine.NewExecutor(agents,
		engine.WithEmitter(emitter),
		engine.WithMetrics(metrics),
		engine.WithSnapshotSink(states),
		engine.WithWorkflowLookup(workflows),
		engine.WithToolTransport(hub),
	)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	cfg := server.Config{
		Addr:   viper.GetString("addr"),
		Tokens: viper.GetStringMapString("tokens"),
	}
	srv := server.New(cfg, workflows, states, exec, hub, registry)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	fmt.Fprintf(os.Stdout, "hensud listening on %s\n", cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore builds the configured repository pair. The memory backend shares
// one MemStore for both repositories.
func openStore() (store.WorkflowRepository, store.StateRepository, func() error, error) {
	switch backend := viper.GetString("store"); backend {
	case "memory":
		mem := store.NewMemStore()
		return mem, store.NewStateRepo(mem), nil, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(viper.GetString("sqlite-path"))
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.States(), st.Close, nil
	case "mysql":
		dsn := viper.GetString("mysql-dsn")
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("mysql store requires --mysql-dsn")
		}
		st, err := store.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.States(), st.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

// registerProviders wires every LLM provider with credentials in the
// environment. Real providers are wrapped with the default retry policy; the
// stub provider is not, so scripted failures surface immediately.
func registerProviders(agents *agent.Registry) {
	agents.Register(agent.NewStubProvider())
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if p, err := agent.NewOpenAIProvider(key); err == nil {
			agents.Register(agent.WithRetry(p, agent.DefaultRetryPolicy))
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		agents.Register(agent.WithRetry(agent.NewAnthropicProvider(key), agent.DefaultRetryPolicy))
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		agents.Register(agent.WithRetry(agent.NewGeminiProvider(key), agent.DefaultRetryPolicy))
	}
}
