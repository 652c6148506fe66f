package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/stylizer/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded conversions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return errNoDatabase
		}
		return runHistory(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of conversions to show (0 = all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command) error {
	conversions, err := DB.ListConversions(cmd.Context(), historyLimit)
	if err != nil {
		utils.ShowError("Failed to list conversions", err, nil)
		return err
	}

	if len(conversions) == 0 {
		fmt.Println("No conversions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tINPUT\tSTATUS\tWORKERS\tMODE\tFRAMES\tSKIPPED\tSTARTED\tDURATION")
	fmt.Fprintln(w, "--\t-----\t------\t-------\t----\t------\t-------\t-------\t--------")

	for _, c := range conversions {
		duration := "-"
		if c.FinishedAt != nil {
			duration = c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%d\t%s\t%s\n",
			c.ID[:8], c.InputPath, c.Status, c.Workers, c.Mode,
			c.FramesWritten, c.TotalFrames, c.SkippedFrames,
			c.StartedAt.Local().Format("2006-01-02 15:04"), duration)
	}
	return w.Flush()
}
