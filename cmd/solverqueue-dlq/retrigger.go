package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var retriggerJobCmd = &cobra.Command{
	Use:   "retrigger-job <job_id>",
	Short: "Resubmit one dead-lettered job back into its main queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("malformed job id %q: %w", args[0], err)
		}

		svc, cleanup, err := newRetriggerService()
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := svc.RetriggerJob(cmd.Context(), id)
		if err != nil {
			return err
		}

		line, err := json.Marshal(job)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
		return nil
	},
}

var retriggerAllCmd = &cobra.Command{
	Use:   "retrigger-all",
	Short: "Resubmit every dead-lettered job, reporting per-job outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newRetriggerService()
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := svc.RetriggerAll(cmd.Context())
		for _, result := range results {
			line, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				return marshalErr
			}
			fmt.Println(string(line))
		}
		if err != nil {
			return err
		}

		failed := 0
		for _, result := range results {
			if result.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d retriggers failed", failed, len(results))
		}
		return nil
	},
}
