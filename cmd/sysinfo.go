package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/stylizer/internal/adaptive"
	"github.com/andresmejia3/stylizer/internal/capability"
	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/monitor"
	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/spf13/cobra"
)

var sysinfoSamples int

var sysinfoCmd = &cobra.Command{
	Use:   "sysinfo",
	Short: "Show the recommended worker count and live load samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		det := capability.New(nil)
		mon := monitor.New(Log,
			monitor.WithInterval(Cfg.Monitor.Interval),
			monitor.WithStopTimeout(Cfg.Monitor.StopTimeout),
		)
		return runSysinfo(cmd.Context(), os.Stdout, det, mon, sysinfoSamples)
	},
}

func init() {
	sysinfoCmd.Flags().IntVarP(&sysinfoSamples, "samples", "n", 3, "Number of monitor samples to print")
	rootCmd.AddCommand(sysinfoCmd)
}

func runSysinfo(ctx context.Context, out io.Writer, det *capability.Detector, mon *monitor.Monitor, samples int) error {
	base, err := det.RecommendedWorkerCount()
	if err != nil {
		fmt.Fprintf(out, "Recommended workers: 1 (%v)\n", err)
		base = 1
	} else {
		fmt.Fprintf(out, "Recommended workers: %d\n", base)
	}
	if samples <= 0 {
		return nil
	}

	ch := make(chan types.PerformanceSample, samples)
	mon.Subscribe("sysinfo", monitor.SubscriberFunc(func(s types.PerformanceSample) error {
		select {
		case ch <- s:
		default:
		}
		return nil
	}))
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	// a detached controller evaluates each sample without logging mode changes
	ctl := adaptive.New(nil, logger.NewNop())

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CPU %\tMEM %\tBATTERY %\tTEMP °C\tMODE\tWORKERS")
	fmt.Fprintln(w, "-----\t-----\t---------\t-------\t----\t-------")
	for i := 0; i < samples; i++ {
		select {
		case s := <-ch:
			ctl.OnSample(s)
			fmt.Fprintf(w, "%.1f\t%.1f\t%.0f\t%.1f\t%s\t%d\n",
				s.CPU, s.Memory, s.Battery, s.Temperature, ctl.Mode(), ctl.WorkerMultiplier(base))
		case <-ctx.Done():
			w.Flush()
			return ctx.Err()
		}
	}
	return w.Flush()
}
