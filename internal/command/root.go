package command

import (
	"github.com/spf13/cobra"
)

// BuildInfo is set by the linker in the main package.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
	Platform  string
}

// NewRootCommand assembles the CLI.
func NewRootCommand(info BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anthropic-adapter",
		Short: "Serve the Anthropic Messages API on top of an OpenAI-compatible backend",
		Long: `anthropic-adapter accepts Anthropic /v1/messages requests, translates them to
OpenAI chat-completions or responses requests, and translates the replies back,
including streamed replies.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output, including upstream bodies")

	rootCmd.AddCommand(ServeCommand(info))
	rootCmd.AddCommand(CountCommand())
	rootCmd.AddCommand(VersionCommand(info))
	return rootCmd
}
