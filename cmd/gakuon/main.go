// Command gakuon is the main entry point for the gakuon review server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/gakuon/internal/app"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/observe"
	"github.com/MrWong99/gakuon/internal/resilience"
	"github.com/MrWong99/gakuon/pkg/audio/ffplay"
	"github.com/MrWong99/gakuon/pkg/provider/llm"
	"github.com/MrWong99/gakuon/pkg/provider/llm/anyllm"
	"github.com/MrWong99/gakuon/pkg/provider/tts"
	"github.com/MrWong99/gakuon/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/gakuon/pkg/provider/tts/openai"
)

const usage = `Usage: gakuon [-config path] <command> [deck]

Commands:
  learn [deck]   run an interactive review session (default deck from config)
  serve          run the HTTP facade for external clients
  test [deck]    generate content for one due card and print it
`

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "gakuon.yaml", "path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gakuon: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gakuon: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gakuon starting",
		"command", command,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := dispatch(ctx, application, command)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "command", command, "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// dispatch runs the selected subcommand to completion.
func dispatch(ctx context.Context, application *app.App, command string) error {
	switch command {
	case "learn":
		summary, err := application.Learn(ctx, flag.Arg(1))
		if err != nil {
			return err
		}
		slog.Info("session finished",
			"total", summary.Total,
			"answered", summary.Answered,
			"skipped", summary.Skipped,
			"quit", summary.Quit,
		)
		return nil
	case "serve":
		slog.Info("server ready — press Ctrl+C to shut down")
		return application.Serve(ctx)
	case "test":
		return application.TestCard(ctx, flag.Arg(1))
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// newLogger builds the process-wide slog logger for the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with gakuon. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			if len(cfg.Providers.LLM.Fallbacks) > 0 {
				failover := resilience.NewLLMFailover(p, name, resilience.GroupConfig{})
				for _, fb := range cfg.Providers.LLM.Fallbacks {
					fp, err := reg.CreateLLM(fb)
					if err != nil {
						return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
					}
					failover.AddFallback(fb.Name, fp)
				}
				ps.LLM = failover
			}
			slog.Info("provider created", "kind", "llm", "name", ps.LLM.Name())
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			if len(cfg.Providers.TTS.Fallbacks) > 0 {
				failover := resilience.NewTTSFailover(p, name, resilience.GroupConfig{})
				for _, fb := range cfg.Providers.TTS.Fallbacks {
					fp, err := reg.CreateTTS(fb)
					if err != nil {
						return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
					}
					failover.AddFallback(fb.Name, fp)
				}
				ps.TTS = failover
			}
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	player, err := ffplay.New()
	if err != nil {
		slog.Warn("no audio player available — playback disabled", "err", err)
	} else {
		ps.Player = player
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Gakuon — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Anki host       : %-19s ║\n", cfg.Anki.Host)
	fmt.Printf("║  Decks configured: %-19d ║\n", len(cfg.Decks))
	if cfg.Session.DefaultDeck != "" {
		fmt.Printf("║  Default deck    : %-19s ║\n", truncate(cfg.Session.DefaultDeck, 19))
	}
	if cfg.History.Path != "" {
		fmt.Printf("║  History         : %-19s ║\n", truncate(cfg.History.Path, 19))
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := "(disabled)"
	if name != "" {
		value = name
		if model != "" {
			value += "/" + model
		}
	}
	fmt.Printf("║  %-16s: %-19s ║\n", kind, truncate(value, 19))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// optString reads a string value from a provider's options map.
func optString(options map[string]any, key string) string {
	if options == nil {
		return ""
	}
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}
