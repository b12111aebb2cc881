package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/pubtype"
	"github.com/spf13/cobra"
)

// browseCmd implements: opdsacq browse <catalog name | URL>
var browseCmd = &cobra.Command{
	Use:   "browse <catalog|url>",
	Short: "Fetch a catalog page and list its books and navigation links",
	Args:  cobra.ExactArgs(1),
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

		feed, err := e.catalog.Fetch(cmd.Context(), target, v)
		if err != nil {
			return explain(err)
		}
		return printFeed(cmd, feed)
	},
}

// printFeed prints feed in the format selected by --format, after applying
// --type and --types.
func printFeed(cmd *cobra.Command, feed *opds.Feed) error {
	format, _ := cmd.Flags().GetString("format")
	typeKey, _ := cmd.Flags().GetString("type")
	listTypes, _ := cmd.Flags().GetBool("types")

	if listTypes {
		types := pubtype.AvailableTypes(feed.Books)
		if format != "text" {
			return writeStructured(os.Stdout, format, types)
		}
		for _, t := range types {
			fmt.Printf("%s\t%s\n", t.Key, t.Label)
		}
		return nil
	}

	feed.Books = pubtype.Filter(feed.Books, typeKey)
	if format != "text" {
		return writeStructured(os.Stdout, format, feed)
	}
	writeFeedText(os.Stdout, feed)
	return nil
}

func writeFeedText(out io.Writer, feed *opds.Feed) {
	if feed.Title != "" {
		fmt.Fprintf(out, "%s (OPDS %s)\n\n", feed.Title, feed.Version)
	}

	if len(feed.Books) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tAUTHOR\tFORMAT\tACCESS\tURL")
		for _, b := range feed.Books {
			access := "restricted"
			switch {
			case b.AvailabilityStatus == opds.Unavailable:
				access = "unavailable"
			case b.IsOpenAccess:
				access = "open"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.Title, b.Author, b.Format, access, b.DownloadURL)
		}
		w.Flush()
		fmt.Fprintln(out)
	}

	if len(feed.NavLinks) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LINK\tSOURCE\tURL")
		for _, l := range feed.NavLinks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", l.Title, l.Source, l.URL)
		}
		w.Flush()
	}

	if feed.Search != nil {
		fmt.Fprintf(out, "\nSearch available (%s): opdsacq search <catalog> <terms>\n", feed.Search.Kind)
	}
}

func addFeedOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("version", "auto", "OPDS version of the catalog: auto, 1 or 2")
	cmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	cmd.Flags().StringP("type", "t", "", "Only list publications of this type (see --types)")
	cmd.Flags().Bool("types", false, "List the publication types present and exit")
}

func init() {
	rootCmd.AddCommand(browseCmd)
	addFeedOutputFlags(browseCmd)
}
