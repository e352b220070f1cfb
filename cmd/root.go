package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/qwengate/pkg/logutil"
	"github.com/lkarlslund/qwengate/pkg/version"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "qwengate",
	Short: "OpenAI-compatible gateway for a captured Qwen web session",
	Long:  "OpenAI-compatible gateway that fronts the Qwen web chat service using a captured browser session, with conversation continuity, thinking-mode translation and multimodal uploads.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(rootLogLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("qwengate"))
		},
	})
}
