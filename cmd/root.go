package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shelfsync/opdsacq/internal/utils"
	"github.com/shelfsync/opdsacq/pkg/cors"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opdsacq",
	Short: "Browse OPDS catalogs and resolve their books to downloadable files.",
	Long: `opdsacq talks to OPDS 1 (Atom) and OPDS 2 (JSON) catalogs: it browses and searches them,
follows borrow and indirect acquisition links to the actual EPUB or PDF, handles login
challenges and remembers credentials per host.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.opdsacq.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (default: ~/.config/opdsacq/opdsacq.sqlite)")
	rootCmd.PersistentFlags().String("origin", "", "Origin whose CORS policy applies (empty: fetch everything directly)")

	viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("dbpath"))
	viper.BindPFlag("cors.origin", rootCmd.PersistentFlags().Lookup("origin"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault("http.timeout", "20s")
	viper.SetDefault("http.useragent", "")
	viper.SetDefault("resolver.maxhops", 5)
	viper.SetDefault("cors.origin", "")
	viper.SetDefault("cors.ownedproxy", "")
	viper.SetDefault("cors.fallbackproxy", cors.DefaultFallbackProxy)
	viper.SetDefault("db.path", "")
	viper.SetDefault("serve.addr", "127.0.0.1:8787")
	viper.SetDefault("serve.username", "")
	viper.SetDefault("serve.password", "")
	viper.SetDefault("serve.origins", []string{})

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".opdsacq")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := filepath.Join(home, ".opdsacq.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	if err := utils.SetLogLevel(levelString); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
