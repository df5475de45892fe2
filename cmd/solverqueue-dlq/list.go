package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every dead-lettered job, joined with its store record",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newRetriggerService()
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := svc.List(cmd.Context())
		if err != nil {
			return err
		}

		for _, entry := range entries {
			line, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		return nil
	},
}
