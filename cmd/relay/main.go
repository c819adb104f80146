// Relay is a tool-orchestration agent: it connects to a set of MCP
// tool servers declared in a YAML config, merges their tools into one
// catalog, and drives a reasoning model against that catalog until a
// question is answered.
//
// Usage:
//
//	relay ask <question>     Run one conversation and print the answer
//	relay tools              Connect to the servers and list the catalog
//	relay history [id]       List stored conversations, or print one
//	relay -config path ...   Use an explicit config file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cobaltforge/relay/internal/catalog"
	"github.com/cobaltforge/relay/internal/config"
	"github.com/cobaltforge/relay/internal/convo"
	"github.com/cobaltforge/relay/internal/dispatch"
	"github.com/cobaltforge/relay/internal/health"
	"github.com/cobaltforge/relay/internal/llm"
	"github.com/cobaltforge/relay/internal/mcp"
	"github.com/cobaltforge/relay/internal/transcript"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	maxIters := fs.Int("max-iters", -1, "override max_iterations (0 = unlimited)")
	logLevel := fs.String("log-level", "", "override log_level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: relay [flags] ask <question> | tools | history [id]")
	}

	path, err := config.FindConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *maxIters >= 0 {
		cfg.MaxIterations = *maxIters
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout carries only the answer.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	// History reads the transcript store only; no servers are launched.
	if rest[0] == "history" {
		return history(stdout, cfg, rest[1:])
	}

	conns, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	sources := buildSources(cfg, conns)
	holder := catalog.NewHolder(catalog.Build(ctx, sources, logger))

	watchers := health.NewManager(logger)
	defer watchers.Stop()
	for _, c := range conns {
		watchers.Watch(ctx, health.WatcherConfig{
			Conn: c,
			OnChange: func() {
				holder.Swap(catalog.Build(ctx, sources, logger))
			},
		})
	}

	switch rest[0] {
	case "tools":
		return printTools(stdout, holder.Current())

	case "ask":
		question := strings.TrimSpace(strings.Join(rest[1:], " "))
		if question == "" {
			return fmt.Errorf("usage: relay ask <question>")
		}
		return ask(ctx, stdout, cfg, holder, logger, question)

	default:
		return fmt.Errorf("unknown command %q (valid: ask, tools, history)", rest[0])
	}
}

// connect launches every configured server in parallel and performs
// the MCP handshake. A server that fails to launch is reported and
// skipped; the others are unaffected. Fails only if no server came up.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]*mcp.Conn, error) {
	conns := make([]*mcp.Conn, len(cfg.Servers))

	var g errgroup.Group
	for i, spec := range cfg.Servers {
		i, spec := i, spec
		g.Go(func() error {
			var transport mcp.Transport
			switch spec.Transport {
			case config.TransportWebSocket:
				transport = mcp.NewWSTransport(mcp.WSConfig{
					Name:    spec.Name,
					URL:     spec.URL,
					Headers: spec.Headers,
					Logger:  logger,
				})
			default:
				transport = mcp.NewStdioTransport(mcp.StdioConfig{
					Name:    spec.Name,
					Command: spec.Command,
					Args:    spec.Args,
					Env:     spec.Env,
					Dir:     spec.Dir,
					Logger:  logger,
				})
			}

			conn := mcp.NewConn(mcp.ConnConfig{
				Name:             spec.Name,
				Transport:        transport,
				HandshakeTimeout: cfg.Dispatch.HandshakeTimeout(),
				Logger:           logger,
			})

			if err := conn.Start(ctx); err != nil {
				logger.Error("server failed to launch", "server", spec.Name, "error", err)
				return nil
			}
			conns[i] = conn
			return nil
		})
	}
	_ = g.Wait()

	alive := conns[:0]
	for _, c := range conns {
		if c != nil {
			alive = append(alive, c)
		}
	}
	if len(alive) == 0 {
		return nil, fmt.Errorf("no tool server could be started")
	}
	return alive, nil
}

// buildSources pairs each live connection with its config filters.
func buildSources(cfg *config.Config, conns []*mcp.Conn) []catalog.Source {
	filters := make(map[string]config.ServerConfig, len(cfg.Servers))
	for _, s := range cfg.Servers {
		filters[s.Name] = s
	}

	sources := make([]catalog.Source, 0, len(conns))
	for _, c := range conns {
		spec := filters[c.Name()]
		sources = append(sources, catalog.Source{
			Conn:    c,
			Include: spec.Include,
			Exclude: spec.Exclude,
		})
	}
	return sources
}

// ask runs one conversation and prints the final answer.
func ask(ctx context.Context, stdout io.Writer, cfg *config.Config, holder *catalog.Holder, logger *slog.Logger, question string) error {
	client := llm.NewOllamaClient(cfg.LLM.BaseURL)
	client.Temperature = cfg.LLM.Temperature

	var recorder convo.Recorder
	if cfg.TranscriptDB != "" {
		store, err := transcript.NewStore(cfg.TranscriptDB)
		if err != nil {
			return fmt.Errorf("open transcript store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	controller, err := convo.New(convo.Config{
		Reasoner:      &convo.ModelReasoner{Client: client, Model: cfg.LLM.Model},
		Executor: dispatch.New(holder, dispatch.Config{
			MaxInFlight: cfg.Dispatch.MaxInFlight,
			CallTimeout: cfg.Dispatch.CallTimeout(),
			Logger:      logger,
		}),
		Catalogs:      holder,
		MaxIterations: cfg.MaxIterations,
		SystemPrompt:  cfg.SystemPrompt,
		Recorder:      recorder,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	outcome, err := controller.Run(ctx, question)
	if err != nil {
		var limit *convo.IterationLimitError
		if errors.As(err, &limit) {
			return fmt.Errorf("no answer: %w", limit)
		}
		return fmt.Errorf("conversation failed: %w", err)
	}

	fmt.Fprintln(stdout, outcome.Answer)
	return nil
}

// history lists stored conversations or replays one in full.
func history(stdout io.Writer, cfg *config.Config, args []string) error {
	if cfg.TranscriptDB == "" {
		return fmt.Errorf("transcript_db is not configured")
	}
	store, err := transcript.NewStore(cfg.TranscriptDB)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer store.Close()

	if len(args) == 0 {
		ids, err := store.Conversations()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return nil
	}

	msgs, err := store.Messages(args[0])
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no conversation %q", args[0])
	}
	for _, m := range msgs {
		fmt.Fprintf(stdout, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(stdout, "  -> %s %v\n", tc.Function.Name, tc.Function.Arguments)
		}
	}
	return nil
}

// printTools lists the merged catalog.
func printTools(stdout io.Writer, cat *catalog.Catalog) error {
	if cat.Len() == 0 {
		fmt.Fprintln(stdout, "no tools discovered")
		return nil
	}
	for _, name := range cat.Names() {
		_, entry, err := cat.Resolve(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(stdout, "%-40s %s (%s)\n", name, firstLine(entry.Def.Description), entry.Server)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
