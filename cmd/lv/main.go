package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerview/internal/app"
	"ledgerview/internal/config"
	"ledgerview/internal/db"
	"ledgerview/internal/events"
	"ledgerview/internal/migrate"
	"ledgerview/internal/repo"
	"ledgerview/internal/server"
	"ledgerview/internal/source"
	"ledgerview/internal/store"
	"ledgerview/internal/telemetry"
	ledgerviewsdk "ledgerview/sdk/go"
)

var (
	env    config.Env
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lv",
	Short: "Ledgerview CLI",
	Long: `Ledgerview keeps a local view of on-chain token, claim and message state in sync with
contract events, and tracks the transactions the user submits.
- Events: contract events are reconciled into an immutable snapshot; redeliveries are ignored.
- Transactions: SENT -> ENRICHED -> BROADCASTED -> SUCCESSFUL or ERROR, with callbacks fired once.
- Journal: every accepted event, stage change and notice is kept in .ledgerview/journal.db.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		env, err = config.LoadEnv()
		if err != nil {
			return err
		}
		logger, err = telemetry.NewLogger(os.Stderr, env.LogFormat, env.LogLevel)
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEDGERVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the event source and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if bp := viper.GetString("base-path"); bp != "" {
				cfg.Server.BasePath = bp
			}
			addr := viper.GetString("addr")
			if addr == "" {
				addr = cfg.Server.Addr
			}
			shutdownTracing, err := telemetry.Setup(cmd.Context(), env.OTelEndpoint, env.OTelEnabled)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer shutdownTracing(context.Background())

			a, err := app.Open(cmd.Context(), workspace, cfg, env, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if env.JWTSecret == "" {
				logger.Warn("LEDGERVIEW_JWT_SECRET not set; API is unauthenticated")
			}
			fmt.Printf("Serving ledgerview API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
				addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path (default from config)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func replayCmd() *cobra.Command {
	var file, identity string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSON-lines event file through a fresh in-memory engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				if identity == "" {
					return errors.New("no ledgerview.yml in workspace; pass --identity")
				}
				cfg = config.Default(identity)
			} else if identity != "" {
				cfg.Identity = identity
			}
			e, err := app.NewEngine(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			consumer, err := source.OpenFile(file)
			if err != nil {
				return err
			}
			defer consumer.Close()
			w := &source.Worker{Consumer: consumer, Handler: e, Log: logger}
			results, err := w.Drain(cmd.Context())
			if err != nil {
				return err
			}
			return printReplay(results, e.Snapshot())
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "newline-delimited JSON envelopes")
	cmd.Flags().StringVar(&identity, "identity", "", "identity address (overrides config)")
	return cmd
}

func printReplay(results []source.Result, snap store.Snapshot) error {
	if viper.GetBool("json") {
		type row struct {
			Line     int64  `json:"line"`
			Kind     string `json:"kind"`
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason,omitempty"`
			Display  string `json:"display,omitempty"`
			Error    string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			out := row{Line: r.Message.Offset, Kind: string(r.Kind), Accepted: r.Decision.Accepted, Reason: string(r.Decision.Reason), Display: r.Decision.Display}
			if r.Err != nil {
				out.Error = r.Err.Error()
			}
			rows = append(rows, out)
		}
		return printJSON(map[string]any{"results": rows, "snapshot": snap})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Line", "Kind", "Accepted", "Reason", "Display"})
	for _, r := range results {
		reason := string(r.Decision.Reason)
		if r.Err != nil {
			reason = "error: " + r.Err.Error()
		} else if r.Decision.CausalGap {
			reason += " (out of order)"
		}
		tw.AppendRow(table.Row{r.Message.Offset, r.Kind, r.Decision.Accepted, reason, r.Decision.Display})
	}
	tw.Render()

	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.AppendHeader(table.Row{"Version", "Tokens", "Claims", "Messages", "Submissions", "Transactions"})
	summary.AppendRow(table.Row{snap.Version, len(snap.Tokens), len(snap.Claims), len(snap.Messages), len(snap.Submissions), len(snap.Transactions)})
	summary.Render()
	return nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Journal",
		Long:  "Everything the engine accepted or did: events, transaction stages, notices and consistency warnings.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.EntryFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID}
				if strings.HasSuffix(evtType, "*") {
					f.Type, f.TypePrefix = "", strings.TrimSuffix(evtType, "*")
				}
				entries, err := r.LatestEntries(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				return printEntries(entries, false)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "entry type, or a prefix ending in '*'")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Transaction log"}
	tx.AddCommand(txListCmd())
	return tx
}

func txListCmd() *cobra.Command {
	var n int
	var id string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled transaction stage changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestEntries(ctx, n, 0, repo.EntryFilter{TypePrefix: events.TxTypePrefix, EntityID: id})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				return printEntries(entries, true)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	cmd.Flags().StringVar(&id, "id", "", "transaction record id")
	return cmd
}

type txSummary struct {
	DisplayStr string `json:"display_str"`
	MethodStr  string `json:"method_str"`
	Err        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func printEntries(entries []repo.Entry, tx bool) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if tx {
		tw.AppendHeader(table.Row{"ID", "TS", "Stage", "Transaction", "Tx Hash", "Display"})
	} else {
		tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Block", "Tx Hash"})
	}
	for _, e := range entries {
		if !tx {
			tw.AppendRow(table.Row{e.ID, e.TS, e.Type, strings.Trim(e.EntityKind+":"+e.EntityID, ":"), blockLabel(e.BlockNumber), e.TxHash})
			continue
		}
		var s txSummary
		_ = json.Unmarshal([]byte(e.Payload), &s)
		display := s.DisplayStr
		if display == "" {
			display = s.MethodStr
		}
		if s.Err != nil && s.Err.Message != "" {
			display += " (" + s.Err.Message + ")"
		}
		tw.AppendRow(table.Row{e.ID, e.TS, strings.ToUpper(strings.TrimPrefix(e.Type, events.TxTypePrefix)), e.EntityID, e.TxHash, display})
	}
	tw.Render()
	return nil
}

func blockLabel(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage ledgerview.yml",
		Long:  "ledgerview.yml holds the identity, known verifier types, webhooks, the Kafka source and server settings. Secrets come from LEDGERVIEW_* environment variables.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var identity string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default ledgerview.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return errors.New("--identity required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(identity)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("wrote %s and initialised %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "address of the local user")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate ledgerview.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func remoteCmd() *cobra.Command {
	remote := &cobra.Command{Use: "remote", Short: "Query a running ledgerview API"}
	remote.AddCommand(remoteStateCmd())
	return remote
}

func remoteStateCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Fetch the remote snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ledgerviewsdk.New(url)
			c.BearerToken = token
			if c.BearerToken == "" && env.JWTSecret != "" {
				t, err := server.SignToken(env.JWTSecret, "lv-cli")
				if err != nil {
					return err
				}
				c.BearerToken = t
			}
			st, err := c.State(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("identity %s, version %d\n", st.Identity, st.Version)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Token", "Symbol", "Name", "Total Supply", "Balance"})
			addrs := make([]string, 0, len(st.Tokens))
			for addr := range st.Tokens {
				addrs = append(addrs, addr)
			}
			sort.Strings(addrs)
			for _, addr := range addrs {
				t := st.Tokens[addr]
				tw.AppendRow(table.Row{addr, t.Symbol, t.Name, t.TotalSupply, st.Balances[addr]})
			}
			tw.Render()
			fmt.Printf("%d claims, %d messages, %d transactions\n", len(st.Claims), len(st.Messages), len(st.Transactions))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8780", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: signed with LEDGERVIEW_JWT_SECRET)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with LEDGERVIEW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if env.JWTSecret == "" {
				return errors.New("LEDGERVIEW_JWT_SECRET is not set")
			}
			t, err := server.SignToken(env.JWTSecret, subject, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(t)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "lv-cli", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to embed")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
