// Package main provides rxctl, the operator CLI for pharmacy maintenance
// tasks: schema migration, queue inspection, audit trails and expired stock.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/workflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rxctl",
		Short:        "Pharmacy workflow maintenance",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("operator", "", "name recorded in the audit trail")

	root.AddCommand(migrateCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(expiringCmd())
	root.AddCommand(removeExpiredCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(lagCmd())
	return root
}

// env is what a subcommand needs to talk to the store
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  app.Store
	engine *workflow.Engine
}

func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, &env{cfg: cfg, logger: logger, store: st, engine: app.NewEngine(st, cfg, logger)})
}

func session(cmd *cobra.Command) workflow.Session {
	op, _ := cmd.Flags().GetString("operator")
	if op == "" {
		op = os.Getenv("USER")
	}
	return workflow.Session{PerformedBy: op}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid prescription id %q", s)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the workflow tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.store.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s).\n", e.cfg.DBDriver)
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue <view>",
		Short: "List a work queue (reception, data_entry, drug_review, dispensing, verification, pickup)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := prescription.ParseView(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				items, total, err := e.engine.Queue(ctx, view, prescription.Page{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPATIENT\tMEDICATION\tQTY\tSTATUS\tRISK\tCREATED")
				for _, it := range items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
						it.PrescriptionID, it.PatientName, it.MedicationName, it.Quantity,
						it.Status, it.RiskLevel, it.CreatedAt.Format(time.DateTime))
				}
				w.Flush()
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(items), total)
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 0, "page size (default PAGE_SIZE)")
	cmd.Flags().Int("offset", 0, "rows to skip")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <prescription-id>",
		Short: "Show the audit trail of a prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				entries, err := e.engine.AuditTrail(ctx, id)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tFROM\tTO\tACTION\tBY\tNOTES")
				for _, a := range entries {
					from := a.FromStatus
					if from == "" {
						from = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						a.CreatedAt.Format(time.DateTime), from, a.ToStatus, a.Action, a.PerformedBy, a.Notes)
				}
				return w.Flush()
			})
		},
	}
}

func expiringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List bottles expiring within a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				bottles, err := e.engine.ExpiringBottles(ctx, days)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "BOTTLE\tMEDICATION\tNDC\tQTY\tEXPIRES\tDAYS\tPRIORITY")
				for _, b := range bottles {
					fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%d\t%s\n",
						b.ID, b.MedicationID, b.NDC, b.Quantity,
						b.ExpirationDate.Format(time.DateOnly), b.DaysUntil, b.Priority)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("days", 0, "look-ahead window: 7, 14, 30, 60, 90, 180 or 365 (default 90)")
	return cmd
}

func removeExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-expired",
		Short: "Delete expired bottles that were never dispensed from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				n, err := e.engine.RemoveExpiredBottles(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired bottle(s).\n", n)
				return nil
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <prescription-id>",
		Short: "Cancel a prescription and return its stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			notes, _ := cmd.Flags().GetString("notes")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				res, err := e.engine.Cancel(ctx, session(cmd), id, notes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d: history #%d, %d unit(s) restored.\n",
					id, res.HistoryID, res.Restored)
				return nil
			})
		},
	}
	cmd.Flags().String("notes", "", "cancellation reason")
	return cmd
}

func lagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag for the genomics worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			group := redpanda.DefaultConsumerConfig().GroupID
			if len(args) == 1 {
				group = args[0]
			}
			admin, err := redpanda.NewAdmin(cfg.RedpandaBrokers, zap.NewNop())
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			lag, err := admin.ConsumerGroupLag(ctx, group)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tPARTITION\tLAG")
			for topic, parts := range lag {
				for p, l := range parts {
					fmt.Fprintf(w, "%s\t%d\t%d\n", topic, p, l)
				}
			}
			return w.Flush()
		},
	}
}
