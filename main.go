// Command reqgenie turns a free-text software requirement into elaborated
// requirements, a validated final specification, and generated artifacts
// (test cases, sample code, tracker tickets, an architecture diagram).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"reqgenie/pkg/archive"
	"reqgenie/pkg/config"
	"reqgenie/pkg/eventlog"
	"reqgenie/pkg/format"
	"reqgenie/pkg/invoke"
	"reqgenie/pkg/llm"
	"reqgenie/pkg/llm/anthropic"
	"reqgenie/pkg/llm/google"
	"reqgenie/pkg/llm/middleware/limit"
	"reqgenie/pkg/llm/middleware/metrics"
	"reqgenie/pkg/llm/middleware/timeout"
	"reqgenie/pkg/llm/ollama"
	"reqgenie/pkg/llm/openai"
	"reqgenie/pkg/logx"
	"reqgenie/pkg/processor"
	"reqgenie/pkg/proto"
	"reqgenie/pkg/ticket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reqgenie: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		reqFile    string
		appType    string
		nfrFile    string
		language   string
		cloudEnv   string
		fanout     string
		review     bool
		noReview   bool
		outPath    string
		debug      bool
		debugDoms  string
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.StringVar(&reqFile, "req-file", "", "Read the requirement from a file instead of arguments")
	flag.StringVar(&appType, "app-type", "", "Target application type (e.g. \"Web Application\")")
	flag.StringVar(&nfrFile, "nfr-file", "", "Path to a non-functional requirements document")
	flag.StringVar(&language, "language", "", "Output language for generated code")
	flag.StringVar(&cloudEnv, "cloud", "", "Cloud environment for architecture diagrams (AWS, GCP, Azure)")
	flag.StringVar(&fanout, "fanout", "", "Comma-separated artifact stages (TESTING,CODING,TICKETING,DIAGRAMMING)")
	flag.BoolVar(&review, "review", false, "Force the code review stage on")
	flag.BoolVar(&noReview, "no-review", false, "Skip the code review stage")
	flag.StringVar(&outPath, "out", "", "Write the report to a file instead of stdout")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging (overrides DEBUG)")
	flag.StringVar(&debugDoms, "debug-domains", "", "Comma-separated stage domains for debug logging (overrides DEBUG_DOMAINS)")
	flag.Parse()

	if debug || debugDoms != "" {
		var domains []string
		if debugDoms != "" {
			domains = strings.Split(debugDoms, ",")
		}
		logx.SetDebug(true, domains)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	req, err := buildRequirement(cfg, flag.Args(), reqFile, appType, nfrFile, language, cloudEnv)
	if err != nil {
		return err
	}
	opts, err := buildOptions(cfg, fanout, review, noReview)
	if err != nil {
		return err
	}

	logger := logx.NewLogger("reqgenie")

	client, err := buildClient(cfg.LLM)
	if err != nil {
		return err
	}
	client = llm.Chain(client,
		limit.Middleware(int64(cfg.LLM.MaxConcurrentCalls)),
		timeout.Middleware(cfg.LLM.CallTimeout),
		metrics.Middleware(metrics.NewPrometheusRecorder(), nil, logger),
	)

	var tickets processor.TicketSubmitter
	if cfg.Tracker.BaseURL != "" {
		tickets = ticket.NewClient(ticket.Config{
			BaseURL:    cfg.Tracker.BaseURL,
			Email:      cfg.Tracker.Email,
			APIToken:   cfg.Tracker.APIToken,
			ProjectKey: cfg.Tracker.ProjectKey,
		}, logger.WithID("ticket"))
	}

	proc := processor.New(invoke.NewInvoker(client, logger.WithID("invoke")), processor.GuardrailConfig{
		MinWords:         cfg.Guardrails.MinWords,
		MaxInputTokens:   cfg.Guardrails.MaxInputTokens,
		RequiredSections: cfg.Guardrails.RequiredSections,
		JudgeInput:       cfg.Guardrails.JudgeInput,
	}, tickets, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Tee run events to the JSONL event log when one is configured.
	var eventsWG sync.WaitGroup
	if cfg.EventLogDir != "" {
		writer, err := eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = writer.Close()
		}()

		events := make(chan proto.RunEvent, 64)
		opts.Events = events
		eventsWG.Add(1)
		go func() {
			defer eventsWG.Done()
			if err := writer.Drain(events); err != nil {
				logger.Error("event log write failed: %v", err)
			}
		}()
	}

	pipelineRun, err := proc.Process(ctx, req, opts)
	if opts.Events != nil {
		close(opts.Events)
		eventsWG.Wait()
	}
	if err != nil {
		return err
	}

	if cfg.ArchivePath != "" {
		arch, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer func() {
			_ = arch.Close()
		}()
		if err := arch.Save(pipelineRun); err != nil {
			logger.Error("failed to archive run: %v", err)
		}
	}

	report := format.Format(pipelineRun)
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(report), 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else {
		fmt.Print(report)
	}

	if pipelineRun.Status == proto.StatusAborted {
		return fmt.Errorf("run aborted: %s", pipelineRun.AbortReason)
	}
	return nil
}

// buildRequirement assembles the pipeline input from flags, falling back
// to config defaults for the generation settings.
func buildRequirement(cfg config.Config, args []string, reqFile, appType, nfrFile, language, cloudEnv string) (proto.Requirement, error) {
	var text string
	switch {
	case reqFile != "":
		data, err := os.ReadFile(reqFile)
		if err != nil {
			return proto.Requirement{}, fmt.Errorf("failed to read requirement file: %w", err)
		}
		text = strings.TrimSpace(string(data))
	case len(args) > 0:
		text = strings.TrimSpace(strings.Join(args, " "))
	}
	if text == "" {
		return proto.Requirement{}, fmt.Errorf("no requirement given; pass it as arguments or via -req-file")
	}

	req := proto.Requirement{
		Text:     text,
		AppType:  cfg.Defaults.AppType,
		Language: cfg.Defaults.Language,
		CloudEnv: cfg.Defaults.CloudEnv,
	}
	if appType != "" {
		req.AppType = appType
	}
	if language != "" {
		req.Language = language
	}
	if cloudEnv != "" {
		req.CloudEnv = cloudEnv
	}
	if nfrFile != "" {
		data, err := os.ReadFile(nfrFile)
		if err != nil {
			return proto.Requirement{}, fmt.Errorf("failed to read NFR file: %w", err)
		}
		req.NFRContent = strings.TrimSpace(string(data))
	}
	return req, nil
}

// buildOptions resolves the fan-out selection and review toggle.
func buildOptions(cfg config.Config, fanout string, review, noReview bool) (processor.Options, error) {
	names := cfg.Defaults.Fanout
	if fanout != "" {
		names = strings.Split(fanout, ",")
	}

	var stages []proto.Stage
	for _, name := range names {
		st := proto.Stage(strings.ToUpper(strings.TrimSpace(name)))
		if !st.IsFanout() {
			return processor.Options{}, fmt.Errorf("unknown fan-out stage %q", name)
		}
		stages = append(stages, st)
	}

	doReview := cfg.Defaults.Review
	if review {
		doReview = true
	}
	if noReview {
		doReview = false
	}
	return processor.Options{Fanout: stages, Review: doReview}, nil
}

// buildClient constructs the provider client selected by config.
func buildClient(cfg config.LLMConfig) (llm.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return anthropic.NewClaudeClient(cfg.APIKey, cfg.Model), nil
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return openai.NewClient(cfg.APIKey, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.NewClient(cfg.Host, cfg.Model), nil
	case config.ProviderGoogle:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return google.NewGeminiClient(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
