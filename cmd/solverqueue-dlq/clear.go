package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// clear-all is the only irreversible operation in the pipeline, so it
// demands a typed confirmation phrase rather than a flag.
const confirmationPhrase = "purge all dead letters"

var clearAllCmd = &cobra.Command{
	Use:   "clear-all",
	Short: "Purge every DLQ without resubmitting; job rows stay FAILED",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("This permanently deletes every dead-lettered message.\nType %q to confirm: ", confirmationPhrase)

		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading confirmation: %w", err)
		}
		if strings.TrimSpace(answer) != confirmationPhrase {
			return fmt.Errorf("confirmation mismatch, nothing purged")
		}

		svc, cleanup, err := newRetriggerService()
		if err != nil {
			return err
		}
		defer cleanup()

		count, err := svc.ClearAll(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("{\"purged\": %d}\n", count)
		return nil
	},
}
