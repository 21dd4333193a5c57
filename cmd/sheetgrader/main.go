package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/sheetgrader/internal/checker"
	"github.com/pavelanni/sheetgrader/internal/export"
	"github.com/pavelanni/sheetgrader/internal/handler"
	appI18n "github.com/pavelanni/sheetgrader/internal/i18n"
	"github.com/pavelanni/sheetgrader/internal/llm"
	"github.com/pavelanni/sheetgrader/internal/llm/prompts"
	"github.com/pavelanni/sheetgrader/internal/objstore"
	"github.com/pavelanni/sheetgrader/internal/pipeline"
	"github.com/pavelanni/sheetgrader/internal/remote"
	"github.com/pavelanni/sheetgrader/internal/segregate"
	"github.com/pavelanni/sheetgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sheetgrader",
		Short: "Grading pipeline for scanned answer sheets",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), recoverCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `sheetgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func storageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, pgx)")
	f.String("db", "sheetgrader.db", "SQLite path or Postgres DSN")
	f.String("lang", "en", "Default message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	storageFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("data-dir", "data", "Directory for uploaded answer sheets")
	f.String("public-base-url", "http://localhost:8080", "Externally reachable base URL of this server")
	f.String("signing-secret", "", "Secret for signed file URLs (or set SHEETGRADER_SIGNING_SECRET)")
	f.Duration("url-ttl", time.Hour, "Lifetime of signed file URLs handed to services")
	f.String("segregation-url", "", "Segregation service endpoint (required)")
	f.String("text-checker-url", "", "Textual checker endpoint (empty = grade with the LLM)")
	f.String("diagram-checker-url", "", "Diagram checker endpoint (empty = disabled)")
	f.Int("segregation-retries", 1, "Retries for segregation on transport errors and 5xx")
	f.Int("checker-retries", 0, "Retries for checkers on transport errors and 5xx")
	f.Duration("http-timeout", 2*time.Minute, "Timeout for one outbound service call")
	f.Int("default-questions", 10, "Question count when the layout config has none")
	f.String("default-question-type", "", "Question type string when the layout config has none")
	f.Int("workers", 4, "Concurrent grading workers")
	f.Int("queue-size", 256, "Pending grading tasks before uploads are refused")
	f.Duration("task-timeout", 10*time.Minute, "Maximum duration of one grading task")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Int64("max-upload-mb", 25, "Maximum upload size in megabytes")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON or XLSX",
		RunE:  runExport,
	}
	storageFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("format", string(export.FormatJSON), "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail grading tasks interrupted by a crash so their sheets can be resumed",
		RunE:  runRecover,
	}
	storageFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SHEETGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sheetgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/sheetgrader")
	v.AddConfigPath("/etc/sheetgrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// textChecker returns the remote checker when a URL is configured and the
// LLM grader otherwise.
func textChecker(ctx context.Context, v *viper.Viper, client *remote.Client) (checker.TextChecker, error) {
	if url := v.GetString("text-checker-url"); url != "" {
		return checker.NewText(url, client, nil), nil
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), promptVariant, nil)
	if err := llmClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	return llmClient, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	segURL := v.GetString("segregation-url")
	if segURL == "" {
		return errors.New("segregation-url is required")
	}
	secret := v.GetString("signing-secret")
	if secret == "" {
		return errors.New("signing secret is required: set --signing-secret flag or SHEETGRADER_SIGNING_SECRET env var")
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if n, err := db.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	} else if n > 0 {
		slog.Warn("recovered interrupted grading tasks", "count", n)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	objects, err := objstore.NewOS(v.GetString("data-dir"), v.GetString("public-base-url"), secret)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	timeout := v.GetDuration("http-timeout")
	segClient := remote.New(timeout, v.GetInt("segregation-retries"), nil)
	checkClient := remote.New(timeout, v.GetInt("checker-retries"), nil)

	text, err := textChecker(ctx, v, checkClient)
	if err != nil {
		return err
	}
	var diagram checker.DiagramChecker
	if url := v.GetString("diagram-checker-url"); url != "" {
		diagram = checker.NewDiagram(url, checkClient, nil)
	}

	orch := pipeline.New(db, objects, segregate.New(segURL, segClient, nil), text, diagram, pipeline.Settings{
		DefaultQuestions:    v.GetInt("default-questions"),
		DefaultQuestionType: v.GetString("default-question-type"),
		URLTTL:              v.GetDuration("url-ttl"),
	}, nil)
	queue := pipeline.NewQueue(orch, db, nil,
		pipeline.WithWorkers(v.GetInt("workers")),
		pipeline.WithQueueSize(v.GetInt("queue-size")),
		pipeline.WithTaskTimeout(v.GetDuration("task-timeout")),
	)

	h := handler.New(db, objects, queue, handler.Config{MaxUploadBytes: v.GetInt64("max-upload-mb") << 20}, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"segregation_url", segURL,
		"text_checker_url", v.GetString("text-checker-url"),
		"diagram_checker_url", v.GetString("diagram-checker-url"),
		"workers", v.GetInt("workers"),
		"lang", lang,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			queue.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain grading queue: %w", err)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format, err := export.ParseFormat(strings.ToLower(v.GetString("format")))
	if err != nil {
		return err
	}
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	exp, err := db.ExportExam(ctx, v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		if format == export.FormatXLSX {
			return errors.New("xlsx output needs a file: pass -o")
		}
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := export.Write(w, exp, format); err != nil {
		return err
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))
	fmt.Fprintln(os.Stderr, appI18n.Tp(ctx, "SheetsExported", exp.NumSheets))
	return nil
}

func runRecover(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := db.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))
	fmt.Println(appI18n.Tp(ctx, "TasksRecovered", n))
	return nil
}
