package cmd

import (
	"github.com/shelfsync/opdsacq/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the owned CORS proxy (and the harvest API with --api)",
	Long: `Run the owned CORS proxy. Point cors.ownedproxy at it, for example
http://127.0.0.1:8787/proxy?url={url}. With --api the harvested catalogs are
also served read-only under /api.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		if listenAddr == "" {
			listenAddr = viper.GetString("serve.addr")
		}
		withAPI, _ := cmd.Flags().GetBool("api")

		cfg := server.Config{
			Origins:  viper.GetStringSlice("serve.origins"),
			Username: viper.GetString("serve.username"),
			Password: viper.GetString("serve.password"),
		}
		if withAPI {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			cfg.DB = db
		}

		s, err := server.New(cfg)
		if err != nil {
			return err
		}
		return s.Start(listenAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "HTTP listen address (default: serve.addr)")
	serveCmd.Flags().Bool("api", false, "Also serve harvested catalogs under /api")
}
