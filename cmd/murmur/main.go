// Command murmur transcribes WAV recordings through a streaming speech
// recognition backend.
//
//	murmur [-config path] [-env path] transcribe [-language xx] [-save=false] FILE.wav...
//	murmur [-config path] history [-limit N] [-q text] [-delete ID] [-clear]
//	murmur [-config path] serve
//
// serve reloads the config file when it changes on disk or on SIGHUP.
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
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const defaultConfigPath = "murmur.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("murmur", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	envPath := fs.String("env", ".env", "optional dotenv file with credentials")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: murmur [-config path] [-env path] <transcribe|history|serve> [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(stderr, "murmur: %v\n", err)
		return 1
	}
	cfg, watchPath, err := loadConfig(*configPath, flagSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(stderr, "murmur: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "transcribe":
		return runTranscribe(ctx, cfg, cmdArgs, stdout, stderr)
	case "history":
		return runHistory(ctx, cfg, cmdArgs, stdout, stderr)
	case "serve":
		return runServe(ctx, cfg, watchPath, level, stderr)
	default:
		fmt.Fprintf(stderr, "murmur: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// loadConfig reads path. A missing default config file is not an error:
// murmur then runs on environment variables and defaults alone. The returned
// watch path is empty in that case.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		cfg, err := config.Load("")
		return cfg, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// ── transcribe ───────────────────────────────────────────────────────────────

func runTranscribe(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	language := fs.String("language", "", "language tag, overrides transcription.language")
	save := fs.Bool("save", true, "store results in history")
	quiet := fs.Bool("quiet", false, "do not print interim results")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: murmur transcribe [-language xx] [-save=false] FILE.wav...")
		return 2
	}

	a, err := app.New(ctx, cfg, newRegistry())
	if err != nil {
		fmt.Fprintf(stderr, "murmur: %v\n", err)
		return 1
	}
	defer a.Shutdown(context.Background())

	code := 0
	for _, path := range fs.Args() {
		pcm, err := audio.ReadWAVFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "murmur: %v\n", err)
			code = 1
			continue
		}
		slog.Debug("transcribing", "file", path, "format", pcm.Format.String(), "duration", pcm.Duration())

		in := app.Input{Audio: pcm, Language: *language, Save: *save}
		if !*quiet {
			in.OnPartial = func(t stt.Transcript) {
				fmt.Fprintf(stderr, "\r\033[K… %s", lastRunes(t.Text, 80))
			}
		}
		out, err := a.Transcribe(ctx, in)
		if !*quiet {
			fmt.Fprint(stderr, "\r\033[K")
		}
		if err != nil {
			fmt.Fprintf(stderr, "murmur: %s: %v\n", path, err)
			code = 1
			if ctx.Err() != nil {
				return code
			}
			continue
		}
		if len(fs.Args()) > 1 {
			fmt.Fprintf(stdout, "== %s\n", path)
		}
		fmt.Fprintln(stdout, out.Entry.Text)
	}
	return code
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// ── history ──────────────────────────────────────────────────────────────────

func runHistory(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "number of entries to show, 0 for all")
	query := fs.String("q", "", "only show entries containing this text")
	del := fs.String("delete", "", "delete the entry with this id")
	clearAll := fs.Bool("clear", false, "delete every entry")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := openHistory(ctx, cfg.History)
	if err != nil {
		fmt.Fprintf(stderr, "murmur: %v\n", err)
		return 1
	}
	defer store.Close()

	switch {
	case *clearAll:
		err = store.Clear(ctx)
	case *del != "":
		var id uuid.UUID
		if id, err = uuid.Parse(*del); err == nil {
			err = store.Delete(ctx, id)
		}
	default:
		var entries []history.Entry
		entries, err = store.List(ctx, history.ListOptions{Limit: *limit, Query: *query})
		for _, e := range entries {
			fmt.Fprintf(stdout, "%s  %s  %-8s %6s  %s\n",
				e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Provider,
				e.Duration.Round(100*time.Millisecond), e.Title)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "murmur: %v\n", err)
		return 1
	}
	return 0
}

func openHistory(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
	opts := []history.Option{history.WithLimit(hc.Limit)}
	switch {
	case hc.PostgresDSN != "":
		return history.NewPostgresStore(ctx, hc.PostgresDSN, opts...)
	case hc.Path != "":
		return history.NewFileStore(hc.Path, opts...)
	default:
		return nil, errors.New("history is disabled: set history.path or history.postgres_dsn")
	}
}

// ── serve ────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, cfg *config.Config, watchPath string, level *slog.LevelVar, stderr io.Writer) int {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	a, err := app.New(ctx, cfg, newRegistry(), app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, a.ApplyConfig, config.WithEnv())
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	printStartupSummary(stderr, cfg)

	if err := a.Serve(ctx, cfg.Server.ListenAddr); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := w.Reload(); {
			case err == nil:
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: configuration unchanged")
			default:
				slog.Warn("SIGHUP: config reload rejected, keeping previous config", "err", err)
			}
		}
	}
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	names := make([]string, 0, 1+len(cfg.Providers.Fallbacks))
	for _, e := range cfg.Providers.Chain() {
		names = append(names, e.Name)
	}
	store := "(disabled)"
	switch {
	case cfg.History.PostgresDSN != "":
		store = "postgres"
	case cfg.History.Path != "":
		store = cfg.History.Path
	}
	fmt.Fprintln(w, "murmur startup summary")
	fmt.Fprintf(w, "  providers   : %s\n", strings.Join(names, " -> "))
	fmt.Fprintf(w, "  language    : %s\n", cfg.Transcription.Language)
	fmt.Fprintf(w, "  terms       : %d\n", len(cfg.Transcription.Terms))
	fmt.Fprintf(w, "  history     : %s\n", store)
	fmt.Fprintf(w, "  listen addr : %s\n", cfg.Server.ListenAddr)
}
