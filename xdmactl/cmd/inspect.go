package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/xdma/platform"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the controllers a configuration describes.",
	Long: "`inspect` builds the platform without running anything and " +
		"prints every controller with its engine and capabilities.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		p, err := platform.MakeBuilder().WithLogger(logger).Build(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONTROLLER\tENGINE\tBACKEND\tCHANNELS\tOPS")

		for _, u := range p.Units() {
			caps := u.Controller.Caps()

			ops := make([]string, len(caps.Ops))
			for i, op := range caps.Ops {
				ops[i] = op.String()
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				u.Name(), u.Engine(), u.Controller.Backend().Name(),
				u.Config.Channels, strings.Join(ops, ","))
		}

		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
