// Package main is the entry point for the planlock CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openclaw/planlock/internal/capability"
	"github.com/openclaw/planlock/internal/config"
	"github.com/openclaw/planlock/internal/credentials"
	"github.com/openclaw/planlock/internal/llm"
	"github.com/openclaw/planlock/internal/logging"
	"github.com/openclaw/planlock/internal/replay"
	"github.com/openclaw/planlock/internal/scaffold"
	"github.com/openclaw/planlock/internal/session"
	"github.com/openclaw/planlock/internal/tools"
)

const version = "0.1.0"

func init() {
	// Key resolution order: env vars > .env > credentials.toml.
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		creds.Apply()
	}
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCommand(args)
	case "replay":
		replayCommand(args)
	case "models":
		modelsCommand(args)
	case "version":
		fmt.Printf("planlock version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: planlock <command> [options]

Commands:
  run "<prompt>"        Execute a prompt under plan commitment
  replay <run-id|file>  Show the event timeline of a past run
  models                List available models
  version               Show version
  help                  Show this help

Run Options:
  --config <path>       Config file path (default: ./planlock.toml)
  --workspace <path>    Workspace directory for file-writing tools
  --store <kind>        Run store: file or sqlite
  --show-commitment     Print the committed root and leaf hashes
  --verbose             Debug logging

Replay Options:
  --verbose             Include arguments, hashes, and observations
  --no-pager            Plain output even on a terminal`)
}

// flagSet is a minimal parser accepting --flag value and --flag=value.
type flagSet struct {
	bools   map[string]*bool
	strings map[string]*string
	args    []string
}

func newFlagSet() *flagSet {
	return &flagSet{
		bools:   make(map[string]*bool),
		strings: make(map[string]*string),
	}
}

func (f *flagSet) boolVar(p *bool, name string)     { f.bools[name] = p }
func (f *flagSet) stringVar(p *string, name string) { f.strings[name] = p }

func (f *flagSet) parse(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			f.args = append(f.args, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if p, ok := f.bools[name]; ok {
			*p = true
			continue
		}
		p, ok := f.strings[name]
		if !ok {
			return fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			i++
			if i >= len(args) {
				return fmt.Errorf("flag --%s needs a value", name)
			}
			value = args[i]
		}
		*p = value
	}
	return nil
}

// loadConfig loads the named file, or the default location, or defaults.
func loadConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	if cfg, err := config.LoadDefault(); err == nil {
		return cfg
	}
	return config.New()
}

// buildProvider creates an LLM provider for one capability profile.
func buildProvider(lc config.LLMConfig, role string) llm.Provider {
	if lc.Model == "" {
		fmt.Fprintf(os.Stderr, "error: no model configured for %s (set [planner] in planlock.toml)\n", role)
		os.Exit(1)
	}
	provider, err := llm.NewProvider(llm.FantasyConfig{
		Provider:  lc.Provider,
		Model:     lc.Model,
		APIKey:    lc.APIKey(),
		BaseURL:   lc.BaseURL,
		MaxTokens: lc.MaxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s provider: %v\n", role, err)
		os.Exit(1)
	}
	return provider
}

func runCommand(args []string) {
	var configPath, workspace, store string
	var showCommitment, verbose bool

	fs := newFlagSet()
	fs.stringVar(&configPath, "config")
	fs.stringVar(&workspace, "workspace")
	fs.stringVar(&store, "store")
	fs.boolVar(&showCommitment, "show-commitment")
	fs.boolVar(&verbose, "verbose")
	if err := fs.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(fs.args) != 1 {
		fmt.Fprintln(os.Stderr, `usage: planlock run "<prompt>" [options]`)
		os.Exit(1)
	}
	prompt := fs.args[0]

	if verbose {
		logging.SetDefaultLevel(logging.LevelDebug)
	}

	cfg := loadConfig(configPath)
	if workspace != "" {
		cfg.Agent.Workspace = workspace
	}
	if store != "" {
		cfg.Session.Store = store
	}

	plannerProvider := buildProvider(cfg.PlannerLLM(), "planner")
	executorProvider := buildProvider(cfg.ExecutorLLM(), "executor")
	var summarizer llm.Provider
	if sc := cfg.SummarizerLLM(); sc.Model != "" {
		summarizer = buildProvider(sc, "summarizer")
	}

	registry := tools.NewRegistry(tools.Builtins(
		cfg.Agent.Workspace, cfg.Web.SearchProvider, cfg.SearchAPIKey(), summarizer)...)

	st, err := session.OpenStore(cfg.Session.Store, cfg.Session.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	manager := session.NewManager(st)

	s := scaffold.New(
		capability.NewPlanner(plannerProvider, registry),
		capability.NewExecutor(executorProvider),
		registry,
		manager,
		scaffold.Config{
			CallTimeout:     cfg.Scaffold.CallTimeout.Std(),
			ToolTimeout:     cfg.Scaffold.ToolTimeout.Std(),
			MaxToolFailures: cfg.Scaffold.MaxToolFailures,
		},
	)

	s.OnRoute = func(direct bool) {
		if direct {
			fmt.Fprintln(os.Stderr, "▶ answering directly")
		} else {
			fmt.Fprintln(os.Stderr, "▶ planning")
		}
	}
	s.OnCommitted = func(root string, steps int) {
		fmt.Fprintf(os.Stderr, "▶ plan committed (%d steps)\n", steps)
		if showCommitment {
			fmt.Fprintf(os.Stderr, "  root %s\n", root)
		}
	}
	s.OnGateVerdict = func(safe bool, reason string) {
		if safe {
			fmt.Fprintln(os.Stderr, "✓ gate: safe")
		} else {
			fmt.Fprintf(os.Stderr, "✗ gate: unsafe — %s\n", reason)
		}
	}
	s.OnStepStart = func(index int, tool string) {
		fmt.Fprintf(os.Stderr, "▶ step %d: %s\n", index, tool)
	}
	s.OnStepComplete = func(index int, tool string, failed bool) {
		if failed {
			fmt.Fprintf(os.Stderr, "✗ step %d failed\n", index)
		} else {
			fmt.Fprintf(os.Stderr, "✓ step %d done\n", index)
		}
	}

	report, err := s.Run(context.Background(), prompt)
	if err != nil {
		printHalt(err, report)
		os.Exit(1)
	}

	fmt.Println(report.Response)
	if report.RunID != "" {
		fmt.Fprintf(os.Stderr, "✓ complete (run %s)\n", report.RunID)
	}
}

// printHalt writes a distinct message per halt class.
func printHalt(err error, report *scaffold.Report) {
	var msg string
	switch {
	case errors.Is(err, scaffold.ErrValidation):
		msg = "plan rejected before commitment"
	case errors.Is(err, scaffold.ErrGateRejected):
		msg = "plan rejected by the safety gate"
	case errors.Is(err, scaffold.ErrIntegrity):
		msg = "run halted: step integrity violation"
	case errors.Is(err, scaffold.ErrRootMismatch):
		msg = "run halted: commitment root mismatch, trace discarded"
	case errors.Is(err, scaffold.ErrSuspectedEscape):
		msg = "run halted: too many tool failures"
	case errors.Is(err, scaffold.ErrCapability):
		msg = "run halted: model call failed"
	default:
		msg = "run failed"
	}
	fmt.Fprintf(os.Stderr, "✗ %s: %v\n", msg, err)
	if report != nil && report.RunID != "" {
		fmt.Fprintf(os.Stderr, "  inspect with: planlock replay %s\n", report.RunID)
	}
}

func replayCommand(args []string) {
	var configPath, store string
	var verbose, noPager bool

	fs := newFlagSet()
	fs.stringVar(&configPath, "config")
	fs.stringVar(&store, "store")
	fs.boolVar(&verbose, "verbose")
	fs.boolVar(&noPager, "no-pager")
	if err := fs.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(fs.args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: planlock replay <run-id|file.json> [options]")
		os.Exit(1)
	}
	target := fs.args[0]

	var run *session.Run
	var err error
	if strings.HasSuffix(target, ".json") {
		run, err = session.LoadFile(target)
	} else {
		cfg := loadConfig(configPath)
		if store != "" {
			cfg.Session.Store = store
		}
		var st session.Store
		st, err = session.OpenStore(cfg.Session.Store, cfg.Session.Path)
		if err == nil {
			run, err = st.Load(target)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	content := replay.New(os.Stdout, verbose).Render(run)
	if !noPager && isTerminal(os.Stdout) {
		if err := replay.Page("planlock replay "+run.ID, content); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Print(content)
}

func modelsCommand(args []string) {
	var provider string
	fs := newFlagSet()
	fs.stringVar(&provider, "provider")
	if err := fs.parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	models, err := llm.ListAllModels(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to fetch model catalog: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-45s %-15s %12s\n", "MODEL", "PROVIDER", "CONTEXT")
	for _, m := range models {
		if provider != "" && m.Provider != provider {
			continue
		}
		fmt.Printf("%-45s %-15s %12d\n", m.ID, m.Provider, m.ContextWindow)
	}
}

// isTerminal reports whether the file is attached to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
