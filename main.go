package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var (
	configPath string
	jsonOutput bool
)

// app holds what every command needs once config is loaded
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *sqlite.Store
	orch  *sync.Orchestrator
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailsync",
		Short: "Mirror Gmail and Outlook mailboxes into a local SQLite store",
		Long: `mailsync keeps a local, queryable mirror of remote mailboxes.
It runs full and incremental syncs on a schedule, links messages to
known contacts and publishes change events to NATS JetStream.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $MAILSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(
		serveCmd(),
		syncCmd(),
		folderSyncCmd(),
		statusCmd(),
		messagesCmd(),
		accountsCmd(),
		contactsCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)

	store, err := sqlite.Open(cfg.DBPath(), sqlite.Options{
		Driver:        cfg.Database.Driver,
		Outbox:        cfg.NATS.URL != "",
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Auth.BetterAuthURL == "" {
		logger.Warn().Msg("auth.betterauth_url is not set; remote syncs will fail to fetch tokens")
	}
	tokens := auth.NewBetterAuthClient(cfg.Auth.BetterAuthURL, cfg.Auth.ServiceKey)
	factory := providers.NewClientFactory(tokens, gmail.Options{
		QPS:    cfg.Gmail.QPS,
		Burst:  cfg.Gmail.Burst,
		Logger: logger,
	})

	orch := sync.NewOrchestrator(sync.Stores{
		Accounts: store,
		Messages: store,
		Cursors:  store,
		Contacts: store,
	}, factory, sync.OrchestratorOptions{
		Workers: cfg.Sync.Workers,
		Engine: sync.EngineOptions{
			DefaultMaxResults: cfg.Sync.DefaultMaxResults,
			MaxResultsCeiling: cfg.Sync.MaxResultsCeiling,
			PageSize:          cfg.Sync.PageSize,
			StaleAfter:        cfg.Sync.StaleAfter,
		},
	}, logger)

	return &app{cfg: cfg, log: logger, store: store, orch: orch}, nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, outbox dispatcher and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.orch.RecoverStale(ctx); err != nil {
				return err
			}

			if a.cfg.NATS.URL != "" {
				publisher, err := natsjs.NewPublisher(a.cfg.NATS.URL, natsjs.StreamConfig{
					Name:     a.cfg.NATS.Stream,
					Subjects: []string{a.cfg.NATS.SubjectPrefix + ".>"},
				})
				if err != nil {
					return err
				}
				defer publisher.Close()
				if err := publisher.EnsureStream(ctx); err != nil {
					return err
				}
				dispatcher := &natsjs.Dispatcher{
					Store:     a.store,
					Publisher: publisher,
					Logger:    a.log.With().Str("component", "dispatcher").Logger(),
					Retention: a.cfg.NATS.Retention,
				}
				go dispatcher.Run(ctx)
				a.log.Info().Str("url", a.cfg.NATS.URL).Msg("outbox dispatcher started")
			}

			verifier, err := newVerifier(ctx, a.cfg.Auth)
			if err != nil {
				return err
			}
			if verifier == nil {
				a.log.Warn().Msg("no JWKS URL or JWT secret configured; API is unauthenticated")
			}

			scheduler := &sync.Scheduler{
				Syncer:   a.orch,
				Interval: a.cfg.Sync.Interval,
				Logger:   a.log,
			}
			go scheduler.Run(ctx)

			srv := &http.Server{
				Addr:    a.cfg.HTTP.Addr,
				Handler: api.NewServer(a.orch, a.store, verifier, a.log).Router(),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			a.log.Info().Str("addr", srv.Addr).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return auth.NewJWTVerifier(ctx, cfg.JWKSURL, 0)
	case cfg.JWTSecret != "":
		return auth.NewHMACVerifier(cfg.JWTSecret), nil
	}
	return nil, nil
}

func syncCmd() *cobra.Command {
	var (
		full       bool
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "sync [account]",
		Short: "Sync one account, or every active account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			accountID := ""
			if len(args) == 1 {
				accountID = args[0]
			}

			var results map[string]*sync.SyncResult
			if full {
				if accountID == "" {
					return fmt.Errorf("--full requires an account")
				}
				results = map[string]*sync.SyncResult{accountID: a.orch.TriggerFullSync(cmd.Context(), accountID, maxResults)}
			} else {
				results, err = a.orch.TriggerSync(cmd.Context(), accountID)
				if err != nil {
					return err
				}
			}
			return printResults(results)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Force a full sync")
	cmd.Flags().IntVar(&maxResults, "max", 0, "Maximum messages for a full sync (0 = default)")
	return cmd
}

func folderSyncCmd() *cobra.Command {
	var maxResults int
	cmd := &cobra.Command{
		Use:   "folder-sync <account> <label>",
		Short: "Refresh one label or folder without moving the sync cursor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			res := a.orch.TriggerFolderSync(cmd.Context(), args[0], args[1], maxResults)
			return printResults(map[string]*sync.SyncResult{args[0]: res})
		},
	}
	cmd.Flags().IntVar(&maxResults, "max", 0, "Maximum messages (0 = default)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <account>",
		Short: "Show the sync state of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			state, err := a.orch.SyncState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			count, err := a.store.CountMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"state": state, "messages": count})
			}

			fmt.Printf("account:        %s\n", state.AccountID)
			fmt.Printf("status:         %s\n", state.Status)
			fmt.Printf("cursor:         %d (expired: %t)\n", state.CursorValue, state.CursorExpired)
			fmt.Printf("messages:       %d stored, %d synced total\n", count, state.MessagesSyncedTotal)
			fmt.Printf("last synced:    %s\n", formatTime(state.LastSyncedAt))
			fmt.Printf("last full sync: %s\n", formatTime(state.LastFullSyncAt))
			if state.LastError != "" {
				fmt.Printf("last error:     %s (failures: %d)\n", state.LastError, state.FailureCount)
			}
			return nil
		},
	}
}

func messagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <account>",
		Short: "List an account's newest mirrored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			messages, err := a.store.ListMessages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(messages)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tFROM\tSUBJECT\tLABELS")
			for _, m := range messages {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					m.InternalDate.Local().Format("2006-01-02 15:04"), m.From, m.Subject, strings.Join(m.Labels, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of messages")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage synced accounts",
	}

	var provider, email, userID string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			p := sync.ProviderName(strings.ToUpper(provider))
			if p != sync.ProviderGoogle && p != sync.ProviderMicrosoft {
				return fmt.Errorf("provider must be GOOGLE or MICROSOFT, got %q", provider)
			}
			account := sync.Account{ID: args[0], Provider: p, Email: email, UserID: userID, Active: true}
			if err := a.store.SaveAccount(cmd.Context(), account); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(account)
			}
			fmt.Printf("account %s saved\n", account.ID)
			return nil
		},
	}
	add.Flags().StringVar(&provider, "provider", "GOOGLE", "GOOGLE or MICROSOFT")
	add.Flags().StringVar(&email, "email", "", "Mailbox address")
	add.Flags().StringVar(&userID, "user", "", "User id used to fetch OAuth tokens")
	_ = add.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			accounts, err := a.store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(accounts)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tEMAIL\tACTIVE")
			for _, acc := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", acc.ID, acc.Provider, acc.Email, acc.Active)
			}
			return w.Flush()
		},
	}

	setActive := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: use + " an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.store.Close()
				return a.store.SetAccountActive(cmd.Context(), args[0], active)
			},
		}
	}

	cmd.AddCommand(add, list, setActive("enable", true), setActive("disable", false))
	return cmd
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts used for auto-linking",
	}

	var (
		id     string
		emails []string
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a contact with one or more email addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			contactID, err := a.store.SaveContact(cmd.Context(), id, args[0], emails)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"id": contactID})
			}
			fmt.Printf("contact %s saved\n", contactID)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "Contact id (generated when empty)")
	add.Flags().StringSliceVar(&emails, "email", nil, "Email address (repeatable)")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an HS256 API token from auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := auth.SignHMAC(cfg.Auth.JWTSecret, auth.User{ID: args[0]}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func printResults(results map[string]*sync.SyncResult) error {
	if jsonOutput {
		return printJSON(results)
	}
	failed := 0
	for id, r := range results {
		if r.Success {
			fmt.Printf("%s: %s ok, %d messages, %d labels, %d links (%s)\n",
				id, r.Mode, r.MessagesSynced, r.LabelsPatched, r.LinksCreated, r.Duration)
			continue
		}
		failed++
		fmt.Printf("%s: failed [%s] %s\n", id, r.ErrorKind, strings.Join(r.Errors, "; "))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(results))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
