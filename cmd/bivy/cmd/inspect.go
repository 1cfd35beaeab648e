package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/store"
)

func newBrowseCmd() *cobra.Command {
	var expr string
	var model string
	var key string
	var limit int

	cmd := &cobra.Command{
		Use:   "browse <index>",
		Short: "List object IDs in an index",
		Long: `List the object IDs of documents matching a filter.

Filters are field:value terms joined by AND. Strings are single-quoted.
--model and --key build the filter used to find a record's documents.`,
		Example: `  bivy browse tents_idx
  bivy browse tents_idx --filter "modelName:'Tent' AND color:'green'"
  bivy browse tents_idx --model Tent --key 7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newWriter(cmd)
			if err != nil {
				return err
			}
			if model != "" {
				if expr != "" {
					return berrors.ValidationError("--filter cannot be combined with --model", nil)
				}
				expr = filter.Expr{Terms: []filter.Term{{Field: filter.FieldModelName, Value: model}}}.String()
				if key != "" {
					expr = filter.ForModel(model, parseKey(key))
				}
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			idx, err := a.Catalog.Get(args[0])
			if err != nil {
				return err
			}
			ids, err := idx.Browse(cmd.Context(), expr, []string{store.FieldObjectID})
			if err != nil {
				return err
			}
			total := len(ids)
			if limit > 0 && len(ids) > limit {
				ids = ids[:limit]
			}

			rows := make([][]string, len(ids))
			for i, id := range ids {
				rows[i] = []string{id}
			}
			if err := out.Result(map[string]any{"filter": expr, "total": total, "ids": ids}, []string{"OBJECT ID"}, rows); err != nil {
				return err
			}
			if total > len(ids) {
				out.Warningf("showing %d of %d", len(ids), total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&expr, "filter", "", "Filter expression (default: every document)")
	cmd.Flags().StringVar(&model, "model", "", "Only documents of this model")
	cmd.Flags().StringVar(&key, "key", "", "With --model, only this record's documents")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum IDs to print (0 for all)")

	return cmd
}

func newSearchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <index> <query>",
		Short: "Full-text search an index",
		Long: `Run a full-text query against an index.

The bleve backend matches analyzed terms; the sqlite backend uses FTS5 with
BM25 ranking. The memory backend does not support search.`,
		Example: `  bivy search notes_idx "alpine lake"
  bivy search notes_idx granite -n 5 --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newWriter(cmd)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			idx, err := a.Catalog.Get(args[0])
			if err != nil {
				return err
			}
			searcher, ok := idx.(store.Searcher)
			if !ok {
				return berrors.ValidationError(fmt.Sprintf("index %s does not support search", args[0]), nil)
			}
			query := strings.Join(args[1:], " ")
			hits, err := searcher.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(hits))
			for i, h := range hits {
				rows[i] = []string{strconv.Itoa(i + 1), h.ObjectID, strconv.FormatFloat(h.Score, 'f', 3, 64)}
			}
			if err := out.Result(hits, []string{"#", "OBJECT ID", "SCORE"}, rows); err != nil {
				return err
			}
			if len(hits) == 0 {
				out.Warningf("no documents match %q", query)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")

	return cmd
}
