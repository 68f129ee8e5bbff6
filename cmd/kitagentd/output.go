package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s9nkit/devops-agent-core/internal/api"
)

// emit renders a successful Result as indented JSON on stdout. A failed
// Result is printed once on stderr with its stable error code and
// returned wrapped in a SilentError, so main.go's top-level handler
// doesn't print the same failure a second time.
func emit[T any](cmd *cobra.Command, res api.Result[T]) error {
	if !res.Success {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error [%s]: %s\n", res.Err.Code, res.Err.Message)
		return NewSilentError(res.Err)
	}
	data, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
