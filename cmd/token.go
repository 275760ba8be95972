package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
	"github.com/xkilldash9x/copilot-probe/internal/config"
	"github.com/xkilldash9x/copilot-probe/internal/flows"
	"github.com/xkilldash9x/copilot-probe/internal/identity"
	"github.com/xkilldash9x/copilot-probe/internal/observability"
	"github.com/xkilldash9x/copilot-probe/internal/store"
	"github.com/xkilldash9x/copilot-probe/internal/tokencache"
)

// TokenNotFoundMarker is written to the token file when no token was captured.
const TokenNotFoundMarker = "TOKEN_NOT_FOUND"

// shutdownTimeout bounds browser teardown after a run.
const shutdownTimeout = 10 * time.Second

func newTokenCmd(deps *dependencies) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire, inspect and cache Copilot Substrate bearer tokens",
	}
	tokenCmd.AddCommand(newAcquireCmd(deps))
	tokenCmd.AddCommand(newInspectCmd())
	tokenCmd.AddCommand(newClearCacheCmd())
	tokenCmd.AddCommand(newHistoryCmd(deps))
	return tokenCmd
}

// acquireOptions are the flag values of `token acquire`.
type acquireOptions struct {
	scenario string
	mode     string
	out      string
	diagLog  string
	useCache bool
	timeout  time.Duration
	headless bool

	headlessSet bool
	timeoutSet  bool
}

// kvArgs are the positional key=value arguments of `token acquire`.
type kvArgs struct {
	user      string
	password  string
	debugMode bool
}

func newAcquireCmd(deps *dependencies) *cobra.Command {
	var opts acquireOptions

	cmd := &cobra.Command{
		Use:   "acquire [user=<upn>] [password=<password>] [debugMode=true]",
		Short: "Sign in through a browser and capture the Substrate bearer token",
		Long: `Signs in to Microsoft 365 with a scripted browser and captures the bearer token
Copilot uses for the Substrate chat hub. The token is printed as
"access_token:<token>" (or "access_token:null") and written to the output file.

Credentials fall back to COPILOT_PROBE_USER and COPILOT_PROBE_PASSWORD.`,
		Args: func(cmd *cobra.Command, args []string) error {
			_, err := parseKeyValueArgs(args)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			kv, err := parseKeyValueArgs(args)
			if err != nil {
				return err
			}
			opts.headlessSet = cmd.Flags().Changed("headless")
			opts.timeoutSet = cmd.Flags().Changed("timeout")
			return runAcquire(cmd.Context(), cmd.OutOrStdout(), deps, cfg, kv, opts)
		},
	}

	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "sign-in scenario: "+strings.Join(flows.ScenarioNames(), " or ")+" (default from login.scenario)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "capture mode: network or storage (default from capture.mode)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "token output file (default from login.output_file)")
	cmd.Flags().StringVar(&opts.diagLog, "diag-log", "", "append every observed response to this JSON log")
	cmd.Flags().BoolVar(&opts.useCache, "use-cache", false, "reuse a cached token when it is valid for the user")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "capture timeout (default from capture.timeout)")
	cmd.Flags().BoolVar(&opts.headless, "headless", true, "run the browser without a window")
	return cmd
}

// parseKeyValueArgs reads user=, password= and debugMode= arguments. Only the
// first '=' separates key and value, so passwords may contain '='.
func parseKeyValueArgs(args []string) (kvArgs, error) {
	var kv kvArgs
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return kv, fmt.Errorf("invalid argument %q: expected key=value", arg)
		}
		switch key {
		case "user":
			kv.user = value
		case "password":
			kv.password = value
		case "debugMode":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return kv, fmt.Errorf("invalid debugMode %q: %w", value, err)
			}
			kv.debugMode = b
		default:
			return kv, fmt.Errorf("unknown argument %q", key)
		}
	}
	return kv, nil
}

// applyAcquireOverrides folds flags and key=value arguments into cfg.
func applyAcquireOverrides(cfg *config.Config, kv kvArgs, opts acquireOptions) error {
	if opts.scenario != "" {
		cfg.LoginCfg.Scenario = opts.scenario
	}
	if opts.mode != "" {
		cfg.SetCaptureMode(opts.mode)
	}
	if opts.out != "" {
		cfg.LoginCfg.OutputFile = opts.out
	}
	if opts.diagLog != "" {
		cfg.CaptureCfg.DiagnosticLog = opts.diagLog
	}
	if opts.useCache {
		cfg.LoginCfg.UseCache = true
	}
	if opts.timeoutSet {
		cfg.SetCaptureTimeout(opts.timeout)
	}
	if opts.headlessSet {
		cfg.SetBrowserHeadless(opts.headless)
	}
	if kv.user != "" {
		cfg.LoginCfg.User = kv.user
	}
	if kv.password != "" {
		cfg.LoginCfg.Password = kv.password
	}
	if kv.debugMode {
		cfg.SetBrowserHeadless(false)
		cfg.SetLoggerLevel("debug")
		observability.SetLevel(zap.DebugLevel)
	}
	capCfg := cfg.Capture()
	return capCfg.Validate()
}

func runAcquire(ctx context.Context, out io.Writer, deps *dependencies, cfg *config.Config, kv kvArgs, opts acquireOptions) error {
	logger := observability.GetLogger().Named("acquire")
	if err := applyAcquireOverrides(cfg, kv, opts); err != nil {
		return err
	}

	sc, err := flows.LookupScenario(cfg.Login().Scenario)
	if err != nil {
		return err
	}
	creds := flows.Credentials{User: cfg.Login().User, Password: cfg.Login().Password}
	cache := tokencache.New(cfg.Cache().Path, logger)

	rec, closeStore, err := deps.stores.Create(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Capture history is unavailable.", zap.Error(err))
		rec, closeStore = nil, func() {}
	}
	defer closeStore()

	run := store.CaptureRecord{
		RunID:    uuid.New(),
		Scenario: sc.Name,
		Mode:     cfg.Capture().Mode,
		User:     creds.User,
	}

	if cfg.Login().UseCache {
		if tok, ok := cachedToken(cache, cfg.Cache().Key, creds.User, logger); ok {
			logger.Info("Access token retrieved from cache.", zap.String("path", cache.Path()))
			run.Outcome = store.OutcomeCached
			return finishAcquire(ctx, out, cfg, logger, rec, run, tok, nil)
		}
	}

	if err := creds.Validate(); err != nil {
		return err
	}

	tok, err := captureToken(ctx, deps, cfg, logger, sc, creds)
	if err != nil {
		run.Outcome = store.OutcomeFailed
		if errors.Is(err, flows.ErrTokenNotFound) {
			run.Outcome = store.OutcomeNotFound
		}
		return finishAcquire(ctx, out, cfg, logger, rec, run, "", err)
	}

	if err := cache.Put(cfg.Cache().Key, tok); err != nil {
		logger.Warn("Failed to cache access token.", zap.Error(err))
	} else {
		logger.Info("Access token cached.", zap.String("path", cache.Path()))
	}
	run.Outcome = store.OutcomeCaptured
	return finishAcquire(ctx, out, cfg, logger, rec, run, tok, nil)
}

// cachedToken returns the cached token if it decodes, belongs to user and has
// not expired.
func cachedToken(cache *tokencache.Cache, key, user string, logger *zap.Logger) (string, bool) {
	tok, err := cache.Get(key)
	if err != nil {
		logger.Info("Access token does not exist in cache.", zap.Error(err))
		return "", false
	}
	id, err := identity.Parse(tok)
	if err != nil {
		logger.Warn("Cached access token is unreadable.", zap.Error(err))
		return "", false
	}
	if user != "" {
		if err := id.VerifyUser(user); err != nil {
			logger.Warn("Cached access token is for another user.", zap.Error(err))
			return "", false
		}
	}
	if id.Expired(time.Now()) {
		logger.Info("Cached access token has expired.", zap.Time("expires_at", id.ExpiresAt))
		return "", false
	}
	return tok, true
}

// captureToken starts a browser, runs the scenario and returns the token.
func captureToken(ctx context.Context, deps *dependencies, cfg *config.Config, logger *zap.Logger, sc flows.Scenario, creds flows.Credentials) (string, error) {
	capCfg := cfg.Capture()
	matcher, err := capture.NewMatcher(capCfg.TokenURLPattern, capCfg.BearerMarkers, capCfg.ScopeMarker)
	if err != nil {
		return "", err
	}
	capOpts := []capture.Option{capture.WithLogger(logger)}
	if capCfg.DiagnosticLog != "" {
		diag, closeDiag := observability.NewDiagnosticLogger(capCfg.DiagnosticLog)
		defer func() {
			if err := closeDiag(); err != nil {
				logger.Warn("Failed to close diagnostic log.", zap.Error(err))
			}
		}()
		capOpts = append(capOpts, capture.WithDiagnostics(diag, capCfg.BodySnippet))
	}

	b, err := deps.browsers.Start(ctx, logger, cfg.Browser())
	if err != nil {
		return "", fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Shutdown(sctx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	t, err := b.NewTab(ctx)
	if err != nil {
		return "", err
	}
	defer t.Close(context.Background())

	pacing := flows.Pacing{
		Settle:      cfg.Login().SettleDelay,
		AfterPhase:  cfg.Login().PostLoginWait,
		StepTimeout: cfg.Browser().DefaultTimeout,
	}
	acq := flows.NewAcquirer(logger, capture.NewSession(matcher, capOpts...), capCfg, pacing)

	logger.Info("Starting the login process.", zap.String("scenario", sc.Name), zap.String("mode", capCfg.Mode))
	cred, err := acq.Acquire(ctx, t, sc, creds)
	if err != nil {
		return "", err
	}
	return string(cred), nil
}

// finishAcquire writes the token file and stdout line, records the run and
// returns runErr.
func finishAcquire(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, rec recorder, run store.CaptureRecord, tok string, runErr error) error {
	content, printed := tok, tok
	if tok == "" {
		content, printed = TokenNotFoundMarker, "null"
	}

	if path := cfg.Login().OutputFile; path != "" {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			logger.Error("Failed to write token file.", zap.String("path", path), zap.Error(err))
			if runErr == nil {
				runErr = fmt.Errorf("failed to write token file: %w", err)
			}
		}
	}
	fmt.Fprintf(out, "access_token:%s\n", printed)

	if rec != nil {
		if tok != "" {
			run.Fingerprint = store.Fingerprint(tok)
			if id, err := identity.Parse(tok); err == nil {
				run.TenantID, run.ObjectID = id.TenantID, id.ObjectID
				if !id.ExpiresAt.IsZero() {
					exp := id.ExpiresAt
					run.ExpiresAt = &exp
				}
			}
		}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		// Interrupted runs are still recorded.
		if err := rec.RecordCapture(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("Failed to record capture.", zap.Error(err))
		}
	}
	return runErr
}

func newInspectCmd() *cobra.Command {
	var (
		token    string
		user     string
		scenario string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode a token and print its identity and Chathub URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if token == "" {
				cache := tokencache.New(cfg.Cache().Path, observability.GetLogger())
				if token, err = cache.Get(cfg.Cache().Key); err != nil {
					return fmt.Errorf("no --token given and %s has no cached token: %w", cfg.Cache().Path, err)
				}
			}
			if scenario == "" {
				scenario = cfg.Login().Scenario
			}
			return printIdentity(cmd.OutOrStdout(), token, user, scenario, time.Now())
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token to inspect (default: the cached token)")
	cmd.Flags().StringVar(&user, "user", "", "fail unless the token belongs to this user")
	cmd.Flags().StringVar(&scenario, "scenario", "", "scenario for the Chathub URL (default from login.scenario)")
	return cmd
}

func printIdentity(out io.Writer, token, user, scenario string, now time.Time) error {
	id, err := identity.Parse(token)
	if err != nil {
		return err
	}
	if user != "" {
		if err := id.VerifyUser(user); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "user:        %s\n", id.User())
	fmt.Fprintf(out, "tenant_id:   %s\n", id.TenantID)
	fmt.Fprintf(out, "object_id:   %s\n", id.ObjectID)
	fmt.Fprintf(out, "audience:    %s\n", strings.Join(id.Audience, ", "))
	fmt.Fprintf(out, "scopes:      %s\n", id.Scopes)
	switch {
	case id.ExpiresAt.IsZero():
		fmt.Fprintln(out, "expires_at:  never")
	case id.Expired(now):
		fmt.Fprintf(out, "expires_at:  %s %s\n", id.ExpiresAt.UTC().Format(time.RFC3339), color.RedString("(expired)"))
	default:
		fmt.Fprintf(out, "expires_at:  %s %s\n", id.ExpiresAt.UTC().Format(time.RFC3339), color.GreenString("(valid for %s)", id.ExpiresAt.Sub(now).Round(time.Second)))
	}

	hub, err := id.BuildChathubURL(token, scenario)
	if err != nil {
		fmt.Fprintf(out, "chathub_url: %s\n", color.YellowString("unavailable: %v", err))
		return nil
	}
	fmt.Fprintf(out, "chathub_url: %s\n", hub.URL)
	return nil
}

func newClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Delete the token cache file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			cache := tokencache.New(cfg.Cache().Path, observability.GetLogger())
			if err := cache.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token cache cleared: %s\n", cache.Path())
			return nil
		},
	}
}

func newHistoryCmd(deps *dependencies) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent token acquisitions recorded in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			rec, cleanup, err := deps.stores.Create(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			if rec == nil {
				return fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
			}

			records, err := rec.RecentCaptures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%s  %-9s  %-9s  %-8s  %s  %s\n",
					r.CapturedAt.UTC().Format(time.RFC3339), r.Scenario, outcomeColor(r.Outcome), r.Mode, r.User, r.RunID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	return cmd
}

func outcomeColor(outcome string) string {
	switch outcome {
	case store.OutcomeCaptured, store.OutcomeCached:
		return color.GreenString(outcome)
	case store.OutcomeNotFound:
		return color.YellowString(outcome)
	default:
		return color.RedString(outcome)
	}
}
