package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lexline/internal/app"
	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/domain"
	"lexline/internal/engine"
	"lexline/internal/logging"
	"lexline/internal/repo"
	"lexline/internal/schedule"
	"lexline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lx",
	Short: "Lexline CLI",
	Long: `Lexline tracks legislative and regulatory changes that affect housing forms.
Core concepts (kid-friendly):
- Why it matters: housing law changes every month; lexline watches the official sources, files each change under the form templates it touches, and queues it for a human reviewer before anything ships.
- Workspace: your .lexline toy box holding the database; lexline.yml is the catalog of sources and templates.
- Sources: official feeds (federal register, state legislatures, tribal programs) fetched nightly; each keeps a cursor so reruns never refetch old items.
- Updates: normalized changes (bills, regulations, cases, notices) deduplicated across sources by cross-reference key.
- Templates: the legal form documents (leases, notices, applications) a change may affect.
- Routings: rules tying a topic plus jurisdiction to templates; tribal updates only reach tribal-scoped rules.
- Review queue: every routed update waits here (pending -> in_review -> approved/rejected -> published); nothing publishes itself.
- Batches: the monthly publication sweep that moves unprocessed updates into review and closes once every item is resolved.
- Event log: diary of everything that happened, view with 'lx log tail'.`,
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
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("LEXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(routingCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the .lexline database, writes a default lexline.yml if none exists, and syncs the catalog into the store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncCatalog(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "lexline", "project id")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync configured sources and templates into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncCatalog(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "See the scoreboard: sources, pending updates, open reviews, and the latest publication batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Project: %s (schema v%d)\n", report.Project, report.SchemaVersion)
				fmt.Printf("Sources: %d (%d enabled)\n", report.Sources, report.EnabledSources)
				fmt.Printf("Pending updates: %d\n", report.PendingUpdates)
				fmt.Printf("Pending reviews: %d\n", report.PendingReviews)
				if report.LatestBatch != nil {
					fmt.Printf("Latest batch: %s %s (%s)\n", report.LatestBatch.Period, report.LatestBatch.ID, report.LatestBatch.Status)
				} else {
					fmt.Println("Latest batch: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func sourceCmd() *cobra.Command {
	src := &cobra.Command{
		Use:   "source",
		Short: "Manage sources",
		Long:  "Sources are the official feeds lexline watches. Each has an adapter, optional state and topic scopes, and a cursor that marks how far ingestion got.",
	}
	src.AddCommand(sourceListCmd())
	src.AddCommand(sourceGetCmd())
	src.AddCommand(sourceEnableCmd(true))
	src.AddCommand(sourceEnableCmd(false))
	src.AddCommand(sourceRunsCmd())
	return src
}

func sourceListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSources(ctx, enabledOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Adapter", "Enabled", "Last Run", "Last At"})
				for _, s := range items {
					lastAt := ""
					if s.LastRunAt != nil {
						lastAt = *s.LastRunAt
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.Adapter, s.Enabled, s.LastRunStatus, lastAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled sources")
	return cmd
}

func sourceGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSource(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sourceEnableCmd(enable bool) *cobra.Command {
	use := "enable <id>"
	short := "Enable a source for ingestion"
	if !enable {
		use = "disable <id>"
		short = "Disable a source"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSourceEnabled(ctx, id, enable, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sourceRunsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "List ingestion runs for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	return cmd
}

func ingestCmd() *cobra.Command {
	var sources, states, topics []string
	var includeTribal bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch new items from enabled sources",
		Long:  "Runs the nightly ingestion on demand: fetches from each enabled source since its cursor, normalizes items, and skips anything already seen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.IngestOptions{
				SourceIDs: sources,
				States:    states,
				Topics:    topics,
				ActorID:   viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("include-tribal") {
				opts.IncludeTribal = &includeTribal
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunIngest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sources, "source", []string{}, "source id (repeatable)")
	cmd.Flags().StringArrayVar(&states, "state", []string{}, "state filter (repeatable)")
	cmd.Flags().StringArrayVar(&topics, "topic", []string{}, "topic filter (repeatable)")
	cmd.Flags().BoolVar(&includeTribal, "include-tribal", false, "include tribal sources")
	return cmd
}

func publishCmd() *cobra.Command {
	var period, typ string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run a publication batch",
		Long:  "Sweeps unprocessed updates into the review queue as one batch. Manual runs use type 'manual'; the scheduler runs type 'monthly'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunPublish(ctx, engine.PublishOptions{
					Period:  period,
					Type:    domain.BatchType(typ),
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period YYYY-MM (defaults to current month)")
	cmd.Flags().StringVar(&typ, "type", "manual", "batch type (monthly, manual)")
	return cmd
}

func updateCmd() *cobra.Command {
	upd := &cobra.Command{
		Use:   "update",
		Short: "Inspect normalized updates",
		Long:  "Updates are the normalized changes ingestion produced. List and filter them, preview which templates a change touches, or mark one as a duplicate of another.",
	}
	upd.AddCommand(updateListCmd())
	upd.AddCommand(updateGetCmd())
	upd.AddCommand(updateDuplicateCmd())
	upd.AddCommand(updateTemplatesCmd())
	return upd
}

func updateListCmd() *cobra.Command {
	var f repo.UpdateFilters
	var processed, duplicate string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if f.Processed, err = parseBoolFlag(processed); err != nil {
				return fmt.Errorf("--processed must be true or false")
			}
			if f.Duplicate, err = parseBoolFlag(duplicate); err != nil {
				return fmt.Errorf("--duplicate must be true or false")
			}
			f.Limit = n
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				updates, err := e.Repo.ListUpdates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(updates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Jurisdiction", "Severity", "Processed"})
				for _, u := range updates {
					tw.AppendRow(table.Row{u.ID, u.Type, u.Title, u.Jurisdiction.String(), u.Severity, u.IsProcessed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SourceID, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Topic, "topic", "", "topic filter")
	cmd.Flags().StringVar(&f.Level, "level", "", "jurisdiction level filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&processed, "processed", "", "processed filter (true, false)")
	cmd.Flags().StringVar(&duplicate, "duplicate", "", "duplicate filter (true, false)")
	cmd.Flags().IntVar(&n, "n", 50, "number of updates")
	return cmd
}

func updateGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUpdate(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func updateDuplicateCmd() *cobra.Command {
	var canonical string
	cmd := &cobra.Command{
		Use:   "duplicate <id>",
		Short: "Mark update as duplicate of a canonical update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if canonical == "" {
				return fmt.Errorf("--canonical required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.MarkDuplicate(ctx, id, canonical, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&canonical, "canonical", "", "canonical update id")
	_ = cmd.MarkFlagRequired("canonical")
	return cmd
}

func updateTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates <id>",
		Short: "Preview templates affected by an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUpdate(ctx, id)
				if err != nil {
					return err
				}
				ids, err := e.AffectedTemplates(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"update_id": u.ID, "template_ids": ids})
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Inspect templates",
	}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateGetCmd())
	tpl.AddCommand(templateRoutingsCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, activeOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active templates")
	return cmd
}

func templateGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateRoutingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routings <id>",
		Short: "List routing rules for a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetTemplate(ctx, id); err != nil {
					return err
				}
				items, err := e.Repo.ListRoutings(ctx, repo.RoutingFilters{TemplateID: id})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func routingCmd() *cobra.Command {
	rt := &cobra.Command{
		Use:   "routing",
		Short: "Manage routing rules",
		Long:  "Routings connect a topic plus jurisdiction scope to a template. Seed them from the template catalog, then activate or deactivate individual edges.",
	}
	rt.AddCommand(routingSeedCmd())
	rt.AddCommand(routingListCmd())
	rt.AddCommand(routingSetActiveCmd(true))
	rt.AddCommand(routingSetActiveCmd(false))
	return rt
}

func routingSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed routing rules from template categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SeedRoutings(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func routingListCmd() *cobra.Command {
	var f repo.RoutingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRoutings(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.Topic, "topic", "", "topic filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active routings")
	return cmd
}

func routingSetActiveCmd(active bool) *cobra.Command {
	use := "activate <id>"
	short := "Activate a routing rule"
	if !active {
		use = "deactivate <id>"
		short = "Deactivate a routing rule"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetRoutingActive(ctx, id, active); err != nil {
					return err
				}
				rt, err := e.Repo.GetRouting(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rt)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{
		Use:   "review",
		Short: "Work the review queue",
		Long:  "Review items are routed updates waiting for a human: pending -> in_review -> approved/rejected, then published when the batch completes.",
	}
	rev.AddCommand(reviewListCmd())
	rev.AddCommand(reviewGetCmd())
	rev.AddCommand(reviewAssignCmd())
	rev.AddCommand(reviewTransitionCmd())
	return rev
}

func reviewListCmd() *cobra.Command {
	var f repo.ReviewFilters
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReviews(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&n, "n", 50, "number of items")
	return cmd
}

func reviewGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Repo.GetReview(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func reviewAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if assignee == "" {
				return fmt.Errorf("--assignee required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AssignReview(ctx, id, assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func reviewTransitionCmd() *cobra.Command {
	var status, assignee, approvedChanges string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.TransitionReview(ctx, engine.ReviewTransitionOptions{
					ID:              id,
					Status:          domain.ReviewStatus(status),
					AssigneeID:      assignee,
					ApprovedChanges: approvedChanges,
					ActorID:         viper.GetString("actor-id"),
					Force:           viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&approvedChanges, "approved-changes-json", "", "approved changes JSON")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Inspect publication batches",
	}
	b.AddCommand(batchListCmd())
	b.AddCommand(batchGetCmd())
	b.AddCommand(batchCompleteCmd())
	return b
}

func batchListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBatches(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of batches")
	return cmd
}

func batchGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBatch(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a reviewed batch",
		Long:  "Marks a pending_review batch as published once every review item is resolved. Use --force to close out with items still open.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CompleteBatch(ctx, id, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in lexline.yml: project id, schedules, the source catalog, and the template catalog. Sync pushes it into the store.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate lexline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: syncs, ingest runs, routing decisions, review moves, and batch completions.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate callers of the HTTP API via the X-Api-Key header. Only the hash is stored; the plaintext key prints once at creation.",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			rawKey := "lx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    name,
				KeyHash: repo.HashAPIKey(rawKey),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":       key.ID,
						"actor_id": key.ActorID,
						"name":     key.Name,
						"key":      rawKey,
					})
				}
				fmt.Printf("API key %s created for %s. Store it now; it is not shown again:\n%s\n", key.ID, key.ActorID, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel string
	var allowLegacy, withSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the admin API and, unless --schedule=false, runs the nightly ingest and monthly publish timers in-process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			logger := logging.New(logLevel)
			slog.SetDefault(logger)
			e, conn, err := app.Setup(app.Options{Workspace: workspace, Log: logger})
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("LEXLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LEXLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if withSchedule {
				sched := &schedule.Scheduler{
					IngestAt:   e.Config.Ingest.Time,
					PublishDay: e.Config.Publish.Day,
					PublishAt:  e.Config.Publish.Time,
					Log:        logger,
					Ingest: func(ctx context.Context, now time.Time) {
						res, err := e.RunIngest(ctx, engine.IngestOptions{ActorID: "scheduler"})
						if err != nil {
							logger.Error("scheduled ingest failed", "error", err)
							return
						}
						logger.Info("scheduled ingest finished", "status", res.Status, "new_updates", res.NewUpdates)
					},
					Publish: func(ctx context.Context, now time.Time) {
						res, err := e.RunPublish(ctx, engine.PublishOptions{Type: domain.BatchMonthly, ActorID: "scheduler"})
						if errors.Is(err, engine.ErrBatchRunning) {
							logger.Warn("scheduled publish skipped", "reason", err)
							return
						}
						if err != nil {
							logger.Error("scheduled publish failed", "error", err)
							return
						}
						logger.Info("scheduled publish finished", "batch_id", res.BatchID, "status", res.Status)
					},
				}
				sched.Start(cmd.Context())
				defer sched.Stop()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Lexline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept the X-Actor-Id header without credentials")
	cmd.Flags().BoolVar(&withSchedule, "schedule", true, "run the ingest and publish timers")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Setup(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
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

func parseBoolFlag(in string) (*bool, error) {
	if in == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(in)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
