package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shelfsync/opdsacq/internal/utils"
	"github.com/shelfsync/opdsacq/pkg/acquire"
	"github.com/shelfsync/opdsacq/pkg/auth"
	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/spf13/cobra"
)

const maxLoginAttempts = 3

// terminalUI shows credential challenges on stderr.
type terminalUI struct {
	out io.Writer
}

func (u terminalUI) OpenChallenge(p auth.Prompt) {
	fmt.Fprintf(u.out, "Login required for %s", p.Host)
	if doc := p.AuthDocument; doc != nil && doc.Title != "" {
		fmt.Fprintf(u.out, " (%s)", doc.Title)
	}
	fmt.Fprintln(u.out)
}

func (u terminalUI) CloseChallenge() {}

// resolveCmd implements: opdsacq resolve <acquisition URL>
var resolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: "Follow an acquisition link to the final EPUB or PDF URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		versionFlag, _ := cmd.Flags().GetString("version")
		v, err := opds.ParseVersion(versionFlag)
		if err != nil {
			return err
		}
		openAccess, _ := cmd.Flags().GetBool("open-access")
		noPrompt, _ := cmd.Flags().GetBool("no-prompt")
		save, _ := cmd.Flags().GetBool("save")
		format, _ := cmd.Flags().GetString("format")

		coord := auth.NewCoordinator(auth.Config{
			Resolver: e.resolver,
			Store:    e.creds,
			UI:       terminalUI{out: os.Stderr},
			Log:      utils.Log,
		})
		var entry *opds.CatalogEntry
		if openAccess {
			entry = &opds.CatalogEntry{DownloadURL: args[0], IsOpenAccess: true}
		}

		res, err := coord.Acquire(cmd.Context(), auth.AcquireRequest{Href: args[0], Entry: entry, Version: v})
		if err != nil && !noPrompt {
			res, err = promptLoop(cmd, coord, bufio.NewReader(os.Stdin), err, save)
		}
		if err != nil {
			coord.Cancel()
			return explain(err)
		}

		if format != "text" {
			return writeStructured(os.Stdout, format, res)
		}
		fmt.Println(res.URL)
		if res.Route.Proxied() {
			fmt.Fprintf(os.Stderr, "(fetched via the %s proxy)\n", res.Route.Via)
		}
		return nil
	},
}

// promptLoop answers open challenges from the terminal until the resolution
// succeeds, fails for another reason, or the attempts run out.
func promptLoop(cmd *cobra.Command, coord *auth.Coordinator, in *bufio.Reader, err error, save bool) (*acquire.Result, error) {
	for attempt := 0; attempt < maxLoginAttempts; attempt++ {
		p, open := coord.Prompt()
		if !open || acquire.KindOf(err) != acquire.KindAuthRequired {
			return nil, err
		}

		var res *acquire.Result
		if login := p.LoginURL(); login != "" && !p.AuthDocument.SupportsBasic() {
			fmt.Fprintf(os.Stderr, "Sign in at %s\nPaste the access token (empty to retry with the current session): ", login)
			token, rerr := readLine(in)
			if rerr != nil {
				return nil, err
			}
			res, err = coord.RetryAfterExternalLogin(cmd.Context(), &acquire.Session{BearerToken: token})
		} else {
			fmt.Fprint(os.Stderr, "Username: ")
			user, rerr := readLine(in)
			if rerr != nil {
				return nil, err
			}
			fmt.Fprint(os.Stderr, "Password: ")
			pass, rerr := readLine(in)
			if rerr != nil {
				return nil, err
			}
			res, err = coord.Submit(cmd.Context(), user, pass, save)
		}
		if err == nil {
			return res, nil
		}
	}
	return nil, err
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("version", "auto", "OPDS version of intermediate documents: auto, 1 or 2")
	resolveCmd.Flags().Bool("open-access", false, "The link is open access (skips the CORS probe)")
	resolveCmd.Flags().Bool("no-prompt", false, "Fail instead of asking for credentials")
	resolveCmd.Flags().Bool("save", true, "Remember credentials that worked")
	resolveCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
}
