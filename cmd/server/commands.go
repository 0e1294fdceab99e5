package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/warp/punch-ledger/export"
	"github.com/warp/punch-ledger/fixtures"
	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

// =============================================================================
// PUNCH
// =============================================================================

func punchCmd(load loader) *cobra.Command {
	var (
		orderID  string
		index    int
		actor    string
		produced float64
		rejected float64
		complete bool
		at       string
	)

	cmd := &cobra.Command{
		Use:   "punch",
		Short: "Report production against one operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			posting, err := parseAt(at)
			if err != nil {
				return err
			}
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reporter.ReportOperation(cmd.Context(), production.ReportRequest{
				OrderID:        production.OrderID(orderID),
				OperationIndex: index,
				ActorToken:     actor,
				Produced:       generic.NewQuantity(produced),
				Rejected:       generic.NewQuantity(rejected),
				PostingTime:    posting,
				Complete:       complete,
			})
			if err != nil {
				return fmt.Errorf("punch rejected (%s): %w", production.Kind(err), err)
			}
			printPunch(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cmd.Flags().IntVar(&index, "op", 0, "operation index")
	cmd.Flags().StringVar(&actor, "actor", "", "actor token (employee number or JWT)")
	cmd.Flags().Float64Var(&produced, "produced", 0, "good quantity")
	cmd.Flags().Float64Var(&rejected, "rejected", 0, "rejected quantity")
	cmd.Flags().BoolVar(&complete, "complete", false, "close the operation with this punch")
	cmd.Flags().StringVar(&at, "at", "", "posting time, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func printPunch(w io.Writer, res *production.ReportResult) {
	fmt.Fprintf(w, "Recorded %s produced, %s rejected (audit %s)\n", res.Produced, res.Rejected, res.AuditEntryID)
	fmt.Fprintf(w, "  completed: %s  rejected: %s  remaining: %s\n", res.Completed, res.RejectedTotal, res.Remaining)
	fmt.Fprintf(w, "  order produced: %s\n", res.OrderProduced)
	if res.OperationCompleted {
		color.New(color.FgGreen).Fprintln(w, "  operation reported")
	}
}

// =============================================================================
// HISTORY / EXPORT
// =============================================================================

func historyCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "history <order>",
		Short: "Show punch history grouped by operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := production.OrderID(args[0])
			order, err := a.store.GetOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			history, err := production.PunchHistory(cmd.Context(), a.store, id)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), order, history)
			return nil
		},
	}
}

func printHistory(w io.Writer, order *production.Order, history production.History) {
	bold := color.New(color.Bold)
	header := color.New(color.FgCyan)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	muted := color.New(color.FgHiBlack)

	bold.Fprintf(w, "%s  %s  %s/%s produced  [%s]\n",
		order.ID, order.Item, order.ProducedQty, order.RequiredQty, order.Status)

	for i := range order.Operations {
		op := &order.Operations[i]
		state := muted.Sprint("open")
		if op.Reported {
			state = good.Sprintf("reported by %s", op.ReportedByName)
		}
		fmt.Fprintln(w)
		header.Fprintf(w, "[%d] %s", op.Index, op.Name)
		fmt.Fprintf(w, "  %s/%s done  %s\n", op.Done(), order.EffectiveRequired(op), state)

		punches := history[op.Index]
		if len(punches) == 0 {
			muted.Fprintln(w, "    no punches")
			continue
		}
		for _, p := range punches {
			rejected := muted.Sprint("0")
			if p.Rejected.IsPositive() {
				rejected = bad.Sprint(p.Rejected.String())
			}
			fmt.Fprintf(w, "    %s  %-8s %-16s +%s  x%s\n",
				p.PostingTime.Format(time.RFC3339), p.ActorID, p.ActorName,
				good.Sprint(p.Produced.String()), rejected)
		}
	}
}

func exportCmd(load loader) *cobra.Command {
	var (
		out  string
		toS3 bool
	)

	cmd := &cobra.Command{
		Use:   "export <order>",
		Short: "Export punch history as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := production.OrderID(args[0])
			if _, err := a.store.GetOrder(cmd.Context(), id); err != nil {
				return err
			}
			history, err := production.PunchHistory(cmd.Context(), a.store, id)
			if err != nil {
				return err
			}

			if toS3 {
				if a.archiver == nil {
					return fmt.Errorf("--s3 needs export.s3_bucket or PUNCH_S3_BUCKET")
				}
				location, err := a.archiver.Archive(cmd.Context(), id, history, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), location)
				return nil
			}

			if out == "" || out == "-" {
				return export.WriteCSV(cmd.OutOrStdout(), history)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := export.WriteCSV(f, history); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	cmd.Flags().BoolVar(&toS3, "s3", false, "upload to the configured S3 bucket instead")
	return cmd
}

// =============================================================================
// RECOVERY / SEED / TOKEN
// =============================================================================

func reconcileCmd(load loader) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one recovery sweep over in-flight audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if mode != "" {
				m := production.RecoveryMode(mode)
				if !m.Valid() {
					return fmt.Errorf("invalid --mode %q", mode)
				}
				a.recoverer.Mode = m
			}
			report, err := a.recoverer.Run(cmd.Context())
			if err != nil {
				return err
			}
			printRecovery(cmd.OutOrStdout(), a.recoverer.Mode, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "compensate | replay (default from config)")
	return cmd
}

func printRecovery(w io.Writer, mode production.RecoveryMode, r production.RecoveryReport) {
	fmt.Fprintf(w, "Recovery (%s): %d scanned\n", mode, r.Scanned)
	color.New(color.FgYellow).Fprintf(w, "  compensated: %d\n", r.Compensated)
	color.New(color.FgGreen).Fprintf(w, "  replayed:    %d\n", r.Replayed)
	fmt.Fprintf(w, "  skipped:     %d\n", r.Skipped)
	if r.Failed > 0 {
		color.New(color.FgRed).Fprintf(w, "  failed:      %d\n", r.Failed)
	}
}

func seedCmd(load loader) *cobra.Command {
	var skipPunches bool

	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load employees, workstations, orders and punches from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fixtures.Load(args[0])
			if err != nil {
				return err
			}
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			reporter := a.reporter
			if skipPunches {
				reporter = nil
			}
			sum, err := f.Apply(cmd.Context(), a.store, reporter, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s: %d employees, %d workstations, %d orders, %d punches\n",
				f.Name, sum.Employees, sum.Workstations, sum.Orders, sum.Punches)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPunches, "no-punches", false, "load master data and orders only")
	return cmd
}

func tokenCmd(load loader) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <employee>",
		Short: "Issue a signed actor token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set; actor tokens are plain employee numbers")
			}
			emp, err := a.store.EmployeeByNumber(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, err := identity.IssueToken([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.Issuer, emp.Number, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
