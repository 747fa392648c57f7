package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/xdma/platform"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workload on every controller.",
	Long: "`run` builds the platform, issues the configured transfers on " +
		"every controller at once, verifies the data and prints a report.",
	RunE: runWorkload,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("keep", false,
		"Keep the monitor running after the workload ends")
}

func runWorkload(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	keep, _ := cmd.Flags().GetBool("keep")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s := newSession(logger)

	p, err := platform.MakeBuilder().
		WithLogger(logger).
		WithMetrics(s.reg).
		Build(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	w := platform.NewWorkload(cfg.Workload).
		WithLogger(logger).
		OnProgress(s.progress)

	err = s.startTracing(cfg.Trace, p)
	if err != nil {
		return err
	}

	err = s.startMonitor(cfg.Monitor, p, w)
	if err != nil {
		return err
	}

	reports, runErr := w.Run(ctx, p)

	printReports(cmd, reports)
	fmt.Fprintln(cmd.OutOrStdout(), s.summary())

	err = s.finish(ctx, keep && runErr == nil)
	if runErr != nil {
		return runErr
	}

	if err != nil {
		return err
	}

	for _, r := range reports {
		if r.Failed > 0 {
			return fmt.Errorf("%s: %d of %d transfers failed",
				r.Controller, r.Failed, r.Transfers)
		}
	}

	return nil
}

func printReports(cmd *cobra.Command, reports []platform.Report) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTROLLER\tENGINE\tTRANSFERS\tFAILED\tBYTES\tELAPSED\tMB/S")

	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%.2f\n",
			r.Controller, r.Engine, r.Transfers, r.Failed, r.Bytes,
			r.Elapsed.Round(time.Microsecond), r.Throughput()/1e6)
	}

	tw.Flush()
}
