package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/storage"
	"github.com/spf13/cobra"
)

// catalogsCmd represents the catalogs command
var catalogsCmd = &cobra.Command{
	Use:   "catalogs",
	Short: "Manage saved catalogs",
}

var catalogsAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Save a catalog under a name usable by browse, search and harvest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		versionFlag, _ := cmd.Flags().GetString("version")
		v, err := opds.ParseVersion(versionFlag)
		if err != nil {
			return err
		}

		return withDBLock(func() error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.SaveCatalog(cmd.Context(), storage.Catalog{Name: args[0], URL: args[1], Version: v.String()})
		})
	},
}

var catalogsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved catalogs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := db.ListCatalogs(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No saved catalogs.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tURL")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Version, c.URL)
		}
		return w.Flush()
	},
}

var catalogsRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Delete a saved catalog and its harvested entries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDBLock(func() error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.DeleteCatalog(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(catalogsCmd)
	catalogsCmd.AddCommand(catalogsAddCmd)
	catalogsCmd.AddCommand(catalogsListCmd)
	catalogsCmd.AddCommand(catalogsRmCmd)
	catalogsAddCmd.Flags().String("version", "auto", "OPDS version of the catalog: auto, 1 or 2")
}
