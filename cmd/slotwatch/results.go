package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/slotwatch/internal/resultstore"
)

func newResultsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Read persisted booking results",
	}
	cmd.AddCommand(newResultsListCmd(a))
	return cmd
}

func newResultsListCmd(a *app) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:     "list",
		Short:   "List the newest booking results",
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Run.ResultsDSN == "" {
				return errors.New("run.results_dsn is empty, nothing is persisted")
			}
			store, err := resultstore.Open(cmd.Context(), a.cfg.Run.ResultsDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			results, err := store.ListResults(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range results {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 20, "number of results")
	return c
}
