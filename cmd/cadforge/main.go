// Command cadforge wires the Session Store, Agent Pipeline, and
// Conversation Engine into a standalone process and drives one
// interactive design session over stdin/stdout — a thin demonstration
// harness for the core, not a production HTTP server (routing,
// persistence, and auth are out of scope per §1).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cadforge/pkg/cadexec"
	"cadforge/pkg/config"
	"cadforge/pkg/conversation"
	"cadforge/pkg/core"
	agent "cadforge/pkg/gateway"
	"cadforge/pkg/journal"
	"cadforge/pkg/logx"
	"cadforge/pkg/pipeline"
	"cadforge/pkg/session"
	"cadforge/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	provider := flag.String("provider", "", "LLM provider to use (overrides config default_provider)")
	executorCmd := flag.String("executor", "", "CAD executor subprocess command, e.g. \"python3 run_cadquery.py\"")
	initialPrompt := flag.String("prompt", "", "initial design prompt to seed the session with")
	journalPath := flag.String("journal", "", "optional path to a SQLite file recording session mutations (disabled if empty)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cadforge %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	logger := logx.NewLogger("cadforge")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}
	if *provider == "" {
		*provider = cfg.DefaultProvider
	}

	factory, err := agent.NewLLMClientFactory(cfg)
	if err != nil {
		logger.Error("gateway: %v", err)
		os.Exit(1)
	}
	defer factory.Stop()

	var executor cadexec.Executor
	if *executorCmd != "" {
		executor = cadexec.NewSubprocessExecutor(splitCommand(*executorCmd))
	} else {
		executor = noopExecutor{}
	}

	p := pipeline.New(factory, executor, cfg.Pipeline, cfg.Deadlines)
	engine := conversation.New(factory, p)
	store := session.New(cfg.Session.TTL())
	defer store.Close()

	svc := core.New(store, engine, p)
	if *journalPath != "" {
		jr, err := journal.Open(*journalPath)
		if err != nil {
			logger.Error("journal: %v", err)
			os.Exit(1)
		}
		defer jr.Close()
		svc.WithJournal(jr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runInteractive(ctx, svc, *provider, *initialPrompt, logger)
}

// splitCommand is a minimal whitespace tokenizer for the -executor flag;
// the sandboxed kernel runner command has no quoting needs in practice.
func splitCommand(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start != -1 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start == -1 {
			start = i
		}
	}
	if start != -1 {
		out = append(out, s[start:])
	}
	return out
}

// noopExecutor stands in for the sandboxed CAD kernel subprocess when
// none is configured, so the demo harness runs end to end without a
// real CadQuery environment: every script reports a fixed synthetic
// bounding box, while the static validator still runs for real.
type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, _ string, _ time.Duration) (cadexec.Result, error) {
	return cadexec.Result{OK: true, BBox: &cadexec.BoundingBox{X: 100, Y: 100, Z: 50}}, nil
}

func runInteractive(ctx context.Context, svc *core.Service, provider, initialPrompt string, logger *logx.Logger) {
	sess, err := svc.SessionCreate("", initialPrompt, nil, nil)
	if err != nil {
		logger.Error("session_create: %v", err)
		os.Exit(1)
	}

	result, err := svc.SessionStart(ctx, sess.ID, provider, "")
	if err != nil {
		logger.Error("session_start: %v", err)
		os.Exit(1)
	}
	printTranscriptTail(result.Session)

	scanner := bufio.NewScanner(os.Stdin)
	for !result.Complete {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		text := scanner.Text()
		if text == "" {
			continue
		}
		result, err = svc.SessionSend(ctx, sess.ID, text, provider, "")
		if err != nil {
			logger.Error("session_send: %v", err)
			continue
		}
		printTranscriptTail(result.Session)
	}
	fmt.Println("design complete.")
}

func printTranscriptTail(s *conversation.Session) {
	if len(s.Messages) == 0 {
		return
	}
	m := s.Messages[len(s.Messages)-1]
	fmt.Printf("[%s/%s] %s\n", s.Phase, m.Kind, m.Content)
}
