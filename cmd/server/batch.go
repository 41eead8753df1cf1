package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
	"github.com/warp/assessment-engine/store/sqlite"
)

func newGenerateCmd() *cobra.Command {
	var from, to, operator string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create assessment records from the registries for a period",
		Long: `Run one generation over [--from, --to]. Re-running an overlapping
period is safe: existing records are counted as skipped duplicates.
The run report is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := generic.ParseDate(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := generic.ParseDate(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ledger := assessment.NewLedger(a.store, a.sources, a.logger)
			gen := assessment.NewGenerator(ledger, a.sources, a.logger)
			gen.RegistryTimeout = a.cfg.Generation.RegistryTimeout

			report, err := gen.Generate(ctx, generic.Period{Start: start, End: end}, operator)
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			if err != nil {
				return err
			}
			if report.Aborted {
				return errors.New("generation aborted")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "First violation date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&to, "to", "", "Last violation date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&operator, "operator", assessment.SystemOperator, "Operator recorded in the audit trail")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func newSweepCmd() *cobra.Command {
	var asOf, operator string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return records whose holders stayed clean for 90 days",
		Long: `Run one auto-return sweep. Pending records whose improvement window
has begun are persisted as improving; eligible records are returned in
full. The sweep report is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var date generic.Date
			if asOf != "" {
				d, err := generic.ParseDate(asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				date = d
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if operator == "" {
				operator = a.cfg.Sweep.Operator
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ledger := assessment.NewLedger(a.store, a.sources, a.logger)
			report, err := assessment.NewReturnProcessor(ledger, a.logger).AutoReturnSweep(ctx, date, operator)
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Sweep date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator recorded in the audit trail (default sweep.operator)")

	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			// sqlite.New already migrated; running again confirms there is
			// nothing left to apply.
			if err := sqlite.Migrate(a.store.DB()); err != nil {
				return err
			}
			a.logger.Info("database is up to date", zap.String("database", a.cfg.Database.Path))
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
