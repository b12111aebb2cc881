package cmd

import (
	"bufio"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/spf13/cobra"
)

// credsCmd represents the creds command
var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage saved catalog credentials",
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts with a saved credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := credentials.NewStore(cmd.Context(), db)
		if err != nil {
			return err
		}
		list := store.List()
		if len(list) == 0 {
			fmt.Println("No saved credentials.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tUSERNAME\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Host, c.Username, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var credsAddCmd = &cobra.Command{
	Use:   "add <host|url> <username> [password]",
	Short: "Save a credential for a host and its subdomains",
	Long:  "Save a credential for a host and its subdomains. The password is read from stdin when omitted.",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := ""
		if len(args) == 3 {
			password = args[2]
		} else {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := readLine(bufio.NewReader(os.Stdin))
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = line
		}

		return withDBLock(func() error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := credentials.NewStore(cmd.Context(), db)
			if err != nil {
				return err
			}
			if err := store.Save(cmd.Context(), args[0], args[1], password); err != nil {
				return err
			}
			fmt.Printf("Saved credential for %s\n", credentials.NormalizeHost(args[0]))
			return nil
		})
	},
}

var credsRmCmd = &cobra.Command{
	Use:     "rm <host|url>",
	Aliases: []string{"delete"},
	Short:   "Forget the credential saved for a host",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDBLock(func() error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := credentials.NewStore(cmd.Context(), db)
			if err != nil {
				return err
			}
			return store.Delete(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(credsCmd)
	credsCmd.AddCommand(credsListCmd)
	credsCmd.AddCommand(credsAddCmd)
	credsCmd.AddCommand(credsRmCmd)
}
