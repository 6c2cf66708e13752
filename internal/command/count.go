package command

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

// CountCommand estimates input tokens of a count_tokens body offline.
func CountCommand() *cobra.Command {
	var encoding string

	cmd := &cobra.Command{
		Use:   "count [file|-]",
		Short: "Estimate input tokens of a messages request body",
		Long: `Read an Anthropic messages or count_tokens request body from a file, or from
stdin when the argument is "-" or missing, and print the estimated input tokens
in the count_tokens response format.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			var req protocol.CountTokensRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("invalid request body: %w", err)
			}
			if err := req.Validate(); err != nil {
				return err
			}

			counter, err := token.NewCounter(encoding)
			if err != nil {
				return err
			}

			out, err := json.Marshal(map[string]int{"input_tokens": counter.CountRequest(&req)})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", token.DefaultEncoding, "Tokenizer encoding")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
