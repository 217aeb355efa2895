package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/couture-edu/couture/internal/catalog"
	"github.com/couture-edu/couture/internal/evaluation"
	"github.com/couture-edu/couture/internal/event"
	"github.com/couture-edu/couture/internal/grading"
	"github.com/couture-edu/couture/internal/handler"
	appI18n "github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/llm"
	"github.com/couture-edu/couture/internal/llm/prompts"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
	"github.com/couture-edu/couture/internal/userlock"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "couture",
		Short: "Lesson grading and learner progress service for fashion courses",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), useraddCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `couture --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "couture.db", "SQLite database path")
	f.StringP("lang", "l", appI18n.DefaultLanguage, "Default language for feedback and messages (pt-BR, en)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	def := llm.DefaultConfig()
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSlice("lessons", nil, "Lesson JSON files to import at startup (repeatable)")
	f.String("llm-provider", def.Provider, "AI provider (openai, anthropic, gemini, mock)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for the provider default)")
	f.String("llm-key", "", "API key for the AI provider")
	f.String("llm-model", "", "Model name (empty for the provider default)")
	f.Bool("structured-output", def.StructuredOutput, "Request JSON-schema constrained replies")
	f.Int("llm-retry-attempts", def.Retry.MaxAttempts, "Attempts per AI call on rate limits and transport errors")
	f.Bool("skip-llm-check", false, "Skip the AI endpoint check at startup")
	f.String("prompt-variant", string(prompts.PromptStandard), "Free-text grading prompt variant (strict, standard, lenient)")
	f.String("prompts-dir", "", "Directory with prompt templates overriding the built-in ones")
	f.Int("grading-concurrency", 4, "Questions graded in parallel per submission")
	f.Duration("grading-call-timeout", 20*time.Second, "Deadline for each AI call")
	f.Duration("request-timeout", 90*time.Second, "Deadline for each HTTP request")
	f.Duration("lock-timeout", 10*time.Second, "Maximum wait for a learner's state lock")
	f.String("redis-url", "", "Redis URL for locks shared between replicas (empty for in-process locks)")
	f.String("amqp-url", "", "RabbitMQ URL for domain events (empty disables events)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set COUTURE_ADMIN_PASSWORD)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import lessons from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded attempts as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func useraddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "useradd USERNAME",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runUseradd,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("display-name", "", "Display name (defaults to the username)")
	f.String("password", "", "Password (or set COUTURE_PASSWORD)")
	f.String("role", string(model.UserRoleStudent), "Role (student, teacher, admin)")
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

	v.SetEnvPrefix("COUTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("couture")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/couture")
	v.AddConfigPath("/etc/couture")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// llmConfig builds the provider configuration from flags and environment.
func llmConfig(v *viper.Viper) llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Provider = strings.ToLower(v.GetString("llm-provider"))
	cfg.StructuredOutput = v.GetBool("structured-output")
	cfg.Retry.MaxAttempts = v.GetInt("llm-retry-attempts")

	key, modelName := v.GetString("llm-key"), v.GetString("llm-model")
	switch cfg.Provider {
	case "anthropic":
		cfg.Anthropic.APIKey = key
		if modelName != "" {
			cfg.Anthropic.Model = modelName
		}
	case "gemini":
		cfg.Gemini.APIKey = key
		if modelName != "" {
			cfg.Gemini.Model = modelName
		}
	default:
		cfg.OpenAI.APIKey = key
		cfg.OpenAI.BaseURL = v.GetString("llm-url")
		if modelName != "" {
			cfg.OpenAI.Model = modelName
		}
	}
	return cfg
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	if _, err := importFiles(ctx, db, v.GetStringSlice("lessons")); err != nil {
		return fmt.Errorf("import lessons: %w", err)
	}

	var promptFS fs.FS = prompts.Files
	if dir := v.GetString("prompts-dir"); dir != "" {
		promptFS = os.DirFS(dir)
	}
	if err := prompts.Load(promptFS); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	llmCfg := llmConfig(v)
	if err := llmCfg.Validate(); err != nil {
		return err
	}
	provider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	if !v.GetBool("skip-llm-check") {
		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := llm.Ping(pingCtx, provider)
		cancel()
		if err != nil {
			return fmt.Errorf("AI endpoint check: %w", err)
		}
		slog.Info("AI endpoint OK", "provider", llmCfg.Provider, "model", provider.ModelID())
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	gradingCfg := model.GradingConfig{
		PromptVariant: promptVariant,
		Concurrency:   v.GetInt("grading-concurrency"),
		CallTimeout:   v.GetDuration("grading-call-timeout"),
		LockTimeout:   v.GetDuration("lock-timeout"),
	}

	var locker userlock.Locker = userlock.NewLocal()
	if url := v.GetString("redis-url"); url != "" {
		rl, err := userlock.NewRedis(ctx, url, 0)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		slog.Info("using shared user locks", "backend", "redis")
	}

	publisher, err := event.NewRabbitMQ(v.GetString("amqp-url"))
	if err != nil {
		return fmt.Errorf("connect event broker: %w", err)
	}
	defer publisher.Close()

	svc := evaluation.New(db, grading.New(provider, gradingCfg), locker, publisher,
		evaluation.Config{LockTimeout: gradingCfg.LockTimeout})
	h := handler.New(db, svc, handler.Config{SecureCookies: v.GetBool("secure-cookies")})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(v.GetDuration("request-timeout")))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	go cleanupSessions(ctx, db)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"provider", llmCfg.Provider,
		"model", provider.ModelID(),
		"lang", lang,
		"prompt_variant", promptVariant,
		"grading_concurrency", gradingCfg.Concurrency,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func cleanupSessions(ctx context.Context, db *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupExpiredSessions(ctx)
			if err != nil {
				slog.Warn("cleanup expired sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	total, err := importFiles(ctx, db, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Tp(ctx, "LessonsImported", total))
	return nil
}

func importFiles(ctx context.Context, db *store.Store, paths []string) (int, error) {
	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", path, err)
		}
		lessons, err := catalog.Import(ctx, db, filepath.Base(path), data)
		if errors.Is(err, catalog.ErrUnchanged) {
			slog.Info("lesson file unchanged, skipping", "path", path)
			continue
		}
		if err != nil {
			return total, err
		}
		total += len(lessons)
	}
	return total, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportAttempts(ctx)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	export := model.AttemptExport{
		ExportedAt:  time.Now().UTC(),
		NumAttempts: len(results),
		Results:     results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Tp(ctx, "AttemptsExported", len(results)))
	return nil
}

func runUseradd(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	password := v.GetString("password")
	if password == "" {
		return errors.New("a password is required: set --password or COUTURE_PASSWORD")
	}
	role := model.UserRole(v.GetString("role"))
	switch role {
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	displayName := v.GetString("display-name")
	if displayName == "" {
		displayName = args[0]
	}
	id, err := db.CreateUser(ctx, model.User{
		Username:     args[0],
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or COUTURE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
