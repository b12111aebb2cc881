package cmd

import (
	"strings"

	"github.com/shelfsync/opdsacq/pkg/catalog"
	"github.com/spf13/cobra"
)

// searchCmd implements: opdsacq search <catalog name | URL> <terms...>
var searchCmd = &cobra.Command{
	Use:   "search <catalog|url> <terms...>",
	Short: "Search a catalog through its OpenSearch or templated search link",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		versionFlag, _ := cmd.Flags().GetString("version")
		target, v, err := catalogTarget(cmd.Context(), e.db, args[0], versionFlag)
		if err != nil {
			return err
		}

		root, err := e.catalog.Fetch(cmd.Context(), target, v)
		if err != nil {
			return explain(err)
		}
		if root.Search == nil {
			return catalog.ErrNoSearch
		}

		results, err := e.catalog.Search(cmd.Context(), root.Search, strings.Join(args[1:], " "), v)
		if err != nil {
			return explain(err)
		}
		return printFeed(cmd, results)
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	addFeedOutputFlags(searchCmd)
}
