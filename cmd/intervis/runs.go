package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/archive"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/geojsonio"
	"github.com/spf13/cobra"
)

func newRunsCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List archived runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSITES\tCHECKED\tVISIBLE\tDIAMETER\tFINISHED")
			for _, r := range runs {
				diameter := "-"
				if r.Diameter.Valid {
					diameter = fmt.Sprint(r.Diameter.Int64)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%d\t%s\t%s\n",
					r.ID, r.Status, r.Sites, r.PairsChecked, r.PairsTotal, r.Visible, diameter,
					r.FinishedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list runs with this final status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs to list")

	cmd.AddCommand(
		newRunsShowCmd(a),
		newRunsDeleteCmd(a),
	)
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	var pairsPath string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print the stored result document of a run",
		Long: `Prints the stored result document as JSON. With --pairs, the run's
visible pairs are also written as a LineString GeoJSON document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a)
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := store.Document(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if pairsPath != "" {
				pairs, err := store.VisiblePairs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := geojsonio.WriteFile(pairsPath, geojsonio.PairsCollection(doc.Sites, pairs)); err != nil {
					return err
				}
			}
			return geojsonio.Write(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVar(&pairsPath, "pairs", "", "also write the run's visible pairs as GeoJSON to this path")
	return cmd
}

func newRunsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Remove a run from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteRun(cmd.Context(), run.ID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s (%s, %d sites, %d visible pairs)\n",
				run.ID, run.Status, run.Sites, run.Visible)
			return err
		},
	}
}

func openStore(a *app) (*archive.Store, error) {
	if a.cfg.Store.Path == "" {
		return nil, errors.New("no run archive configured (store.path is empty)")
	}
	store, err := archive.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
