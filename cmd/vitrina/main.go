package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vitrina/internal/app"
	"vitrina/internal/config"
	"vitrina/internal/db"
	"vitrina/internal/domain"
	"vitrina/internal/engine"
	"vitrina/internal/migrate"
	"vitrina/internal/repo"
	"vitrina/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vitrina",
	Short: "Vitrina CLI",
	Long: `Vitrina runs the shop directory quota wallet and sanctions engine.
Core concepts:
- Workspace: your .vitrina directory with the database; policy lives in vitrina.yml.
- Shops: sellers with a plan tier (basica, media, maxima) and a quota wallet.
- Quota wallet: a weekly live-stream allowance plus a daily reel allowance,
  each with a purchasable extra balance consumed only when the base runs out.
- Streams: scheduled broadcasts; statuses go UPCOMING -> LIVE -> FINISHED
  (MISSED, CANCELLED, BANNED and PENDING_REPROGRAMMATION are the detours).
- Reports: viewer complaints against a live stream; validated reports feed
  the sanctions engine.
- Sanctions: enough validated reports turn a live stream into a hidden MISSED,
  suspend the shop agenda, burn a quota unit, and push the suspended window's
  streams forward.
- Event log: diary of changes, view with 'vitrina log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("VITRINA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("shop", "", "shop id (overrides the single-shop default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("shop", rootCmd.PersistentFlags().Lookup("shop"))
}

func registerCommands() {
	rootCmd.AddCommand(shopCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(reelCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(sanctionsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func shopCmd() *cobra.Command {
	shop := &cobra.Command{Use: "shop", Short: "Manage shops"}
	shop.AddCommand(shopCreateCmd())
	shop.AddCommand(shopListCmd())
	shop.AddCommand(shopShowCmd())
	shop.AddCommand(shopPlanCmd())
	shop.AddCommand(shopSuspensionsCmd())
	shop.AddCommand(shopUseCmd())
	return shop
}

func shopCreateCmd() *cobra.Command {
	var id, name, plan string
	var legacyStream, legacyReel int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a shop with its quota wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ShopCreateOptions{
					ID:      id,
					Name:    name,
					Plan:    plan,
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("legacy-stream-quota") {
					opts.LegacyStreamQuota = &legacyStream
				}
				if cmd.Flags().Changed("legacy-reel-quota") {
					opts.LegacyReelQuota = &legacyReel
				}
				s, err := e.CreateShop(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "shop id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "shop name")
	cmd.Flags().StringVar(&plan, "plan", "", "plan tier (defaults to the configured default tier)")
	cmd.Flags().IntVar(&legacyStream, "legacy-stream-quota", 0, "remaining stream quota imported from a previous system")
	cmd.Flags().IntVar(&legacyReel, "legacy-reel-quota", 0, "remaining reel quota imported from a previous system")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func shopListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				shops, err := r.ListShops(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(shops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Plan", "Status", "Streams", "Reels"})
				for _, s := range shops {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Plan, s.Status, s.StreamQuota, s.ReelQuota})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func shopShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := app.ResolveShop(ctx, viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func shopPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <tier>",
		Short: "Change a shop's plan tier and rebase its wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				updated, err := e.SetShopPlan(ctx, shop.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	return cmd
}

func shopSuspensionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suspensions",
		Short: "List a shop's agenda suspensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				items, err := r.ListSuspensions(ctx, shop.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func shopUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default shop for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shopID := strings.TrimSpace(args[0])
			if shopID == "" {
				return fmt.Errorf("shop id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "VITRINA_SHOP", shopID); err != nil {
				return err
			}
			fmt.Printf("Set VITRINA_SHOP=%s in %s/.env\n", shopID, workspace)
			return nil
		},
	}
	return cmd
}

func quotaCmd() *cobra.Command {
	quota := &cobra.Command{Use: "quota", Short: "Inspect and adjust quota wallets"}
	quota.AddCommand(quotaShowCmd())
	quota.AddCommand(quotaCreditCmd())
	quota.AddCommand(quotaNormalizeCmd())
	return quota
}

func quotaShowCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show reconciled live and reel quota snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := parseTimeFlag(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				live, err := e.LiveQuotaSnapshot(ctx, shop.ID, asOf)
				if err != nil {
					return err
				}
				reel, err := e.ReelQuotaSnapshot(ctx, shop.ID, asOf)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]domain.QuotaSnapshot{"live": live, "reel": reel})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "snapshot time (RFC3339, defaults to now)")
	return cmd
}

func quotaCreditCmd() *cobra.Command {
	var resource, reason string
	var amount int
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Credit extra quota units to a shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				w, err := e.CreditExtra(ctx, shop.ID, resource, amount, reason, engine.ActorAdmin, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "LIVE", "resource (LIVE or REEL)")
	cmd.Flags().IntVar(&amount, "amount", 1, "units to credit")
	cmd.Flags().StringVar(&reason, "reason", domain.ReasonAdminGrant, "ledger reason (EXTRA_PURCHASE or ADMIN_GRANT)")
	return cmd
}

func quotaNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Recount wallet windows against the stream and reel tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				w, err := e.NormalizeWallet(ctx, shop.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func streamCmd() *cobra.Command {
	stream := &cobra.Command{Use: "stream", Short: "Manage live streams"}
	stream.AddCommand(streamScheduleCmd())
	stream.AddCommand(streamListCmd())
	stream.AddCommand(streamShowCmd())
	stream.AddCommand(streamTransitionCmd("start", "Mark a stream live", engine.Engine.StartStream))
	stream.AddCommand(streamTransitionCmd("finish", "Mark a live stream finished", engine.Engine.FinishStream))
	stream.AddCommand(streamTransitionCmd("cancel", "Cancel an upcoming stream", engine.Engine.CancelStream))
	stream.AddCommand(streamResolveCmd())
	return stream
}

func streamScheduleCmd() *cobra.Command {
	var id, title, at string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a stream, reserving one weekly live unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == "" {
				return fmt.Errorf("--at required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				s, err := e.ScheduleStream(ctx, engine.StreamScheduleOptions{
					ID:          id,
					ShopID:      shop.ID,
					Title:       title,
					ScheduledAt: at,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stream id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "stream title")
	cmd.Flags().StringVar(&at, "at", "", "scheduled start (RFC3339)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func streamListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				streams, err := r.ListStreams(ctx, repo.StreamFilters{
					ShopID: viper.GetString("shop"),
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(streams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Shop", "Title", "Status", "Scheduled", "Hidden"})
				for _, s := range streams {
					tw.AppendRow(table.Row{s.ID, s.ShopID, s.Title, s.Status, s.ScheduledAt, s.Hidden})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func streamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStream(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func streamTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string, string) (domain.Stream, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func streamResolveCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a pending reprogrammation to a new date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == "" {
				return fmt.Errorf("--at required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResolvePendingStream(ctx, args[0], at, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new scheduled start (RFC3339)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func reelCmd() *cobra.Command {
	reel := &cobra.Command{Use: "reel", Short: "Manage reels"}
	reel.AddCommand(reelCreateCmd())
	reel.AddCommand(reelListCmd())
	return reel
}

func reelCreateCmd() *cobra.Command {
	var id, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a reel, reserving one daily reel unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), e.Repo)
				if err != nil {
					return err
				}
				reel, err := e.CreateReel(ctx, engine.ReelCreateOptions{
					ID:      id,
					ShopID:  shop.ID,
					Title:   title,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(reel)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "reel id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "reel title")
	return cmd
}

func reelListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a shop's reels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				reels, err := r.ListReels(ctx, shop.ID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(reels)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "File and review stream reports"}
	report.AddCommand(reportAddCmd())
	report.AddCommand(reportReviewCmd("validate", "Validate an open report", engine.Engine.ValidateReport))
	report.AddCommand(reportReviewCmd("reject", "Reject an open report", engine.Engine.RejectReport))
	report.AddCommand(reportListCmd())
	return report
}

func reportAddCmd() *cobra.Command {
	var streamID, reason string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "File a report against a live stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" {
				return fmt.Errorf("--stream required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.AddReport(ctx, streamID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().StringVar(&reason, "reason", "", "report reason")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func reportReviewCmd(use, short string, fn func(engine.Engine, context.Context, string, string) (domain.Report, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := fn(e, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportListCmd() *cobra.Command {
	var streamID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a stream's reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" {
				return fmt.Errorf("--stream required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				reports, err := r.ListReports(ctx, streamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(reports)
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func sanctionsCmd() *cobra.Command {
	sanctions := &cobra.Command{Use: "sanctions", Short: "Sanctions engine"}
	sanctions.AddCommand(sanctionsRunCmd())
	return sanctions
}

func sanctionsRunCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sanctions sweep over live and pending streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseTimeFlag(asOf)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RunSanctions(ctx, at, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation time (RFC3339, defaults to now)")
	return cmd
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Quota transaction ledger"}
	ledger.AddCommand(ledgerListCmd())
	return ledger
}

func ledgerListCmd() *cobra.Command {
	var resource, reason string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quota transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				shop, err := app.ResolveShop(ctx, viper.GetString("shop"), r)
				if err != nil {
					return err
				}
				items, err := r.ListQuotaTransactions(ctx, repo.TransactionFilters{
					ShopID:   shop.ID,
					Resource: resource,
					Reason:   reason,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Resource", "Dir", "Amount", "Reason", "At"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Resource, t.Direction, t.Amount, t.Reason, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "resource filter (LIVE or REEL)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: stream changes, quota movements, sanctions, and more.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logAuditCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("shop"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func logAuditCmd() *cobra.Command {
	var entityType, entityID string
	var n int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit entries for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAuditEntries(ctx, entityType, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					Role:      role,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&role, "role", "", "role granted to the key (e.g. admin)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default vitrina.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor, noSanctionsTimer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("VITRINA_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VITRINA_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			if !noSanctionsTimer {
				go runSanctionsTimer(cmd.Context(), e)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vitrina API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept the X-Actor-Id header as admin (dev only)")
	cmd.Flags().BoolVar(&noSanctionsTimer, "no-sanctions-timer", false, "disable the periodic sanctions sweep")
	return cmd
}

func runSanctionsTimer(ctx context.Context, e engine.Engine) {
	interval := e.Config.RunInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunSanctions(ctx, time.Now().UTC(), engine.ActorSystem); err != nil {
				fmt.Fprintln(os.Stderr, "sanctions sweep:", err)
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339", s)
	}
	return t.UTC(), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
