package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shelfsync/opdsacq/internal/utils"
	"github.com/shelfsync/opdsacq/pkg/acquire"
	"github.com/shelfsync/opdsacq/pkg/catalog"
	"github.com/shelfsync/opdsacq/pkg/cors"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/storage"
	"github.com/shelfsync/opdsacq/pkg/whttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// engine bundles the clients a command needs. They share one cookie jar,
// router and credential store.
type engine struct {
	db       *storage.DB
	creds    *credentials.Store
	catalog  *catalog.Client
	resolver *acquire.Resolver
}

func newEngine(cmd *cobra.Command) (*engine, error) {
	if ua := viper.GetString("http.useragent"); ua != "" {
		whttp.UserAgent = ua
	}
	proxy, _ := cmd.Flags().GetString("proxy")
	client, err := whttp.NewClient(whttp.ClientConfig{
		Timeout:  viper.GetDuration("http.timeout"),
		RetryMax: 2,
		Proxy:    proxy,
	})
	if err != nil {
		return nil, err
	}

	db, err := openDB()
	if err != nil {
		return nil, err
	}
	creds, err := credentials.NewStore(cmd.Context(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	router := cors.NewDecider(cors.Config{
		Origin:        viper.GetString("cors.origin"),
		OwnedProxy:    viper.GetString("cors.ownedproxy"),
		FallbackProxy: viper.GetString("cors.fallbackproxy"),
		Client:        client,
		Log:           utils.Log,
	})

	// Acquisition hops are single attempts.
	resolverClient, err := whttp.NewClient(whttp.ClientConfig{
		Timeout: viper.GetDuration("http.timeout"),
		Proxy:   proxy,
		Jar:     client.HTTPClient.Jar,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &engine{
		db:    db,
		creds: creds,
		catalog: catalog.NewClient(catalog.Config{
			Client:      client,
			Router:      router,
			Credentials: creds,
			Timeout:     viper.GetDuration("http.timeout"),
			Log:         utils.Log,
		}),
		resolver: acquire.NewResolver(acquire.Config{
			Client:     resolverClient,
			Router:     router,
			MaxHops:    viper.GetInt("resolver.maxhops"),
			HopTimeout: viper.GetDuration("http.timeout"),
			Log:        utils.Log,
		}),
	}, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}

func openDB() (*storage.DB, error) {
	path, err := utils.GetAbsDBPath(viper.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	return storage.Open(path)
}

// withDBLock runs fn while holding the database write lock.
func withDBLock(fn func() error) error {
	dbPath, err := utils.GetAbsDBPath(viper.GetString("db.path"))
	if err != nil {
		return err
	}
	lock, err := utils.NewDBLock(dbPath)
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// catalogTarget turns a saved catalog name or a URL into a URL and version.
func catalogTarget(ctx context.Context, db *storage.DB, arg, versionFlag string) (string, opds.Version, error) {
	v, err := opds.ParseVersion(versionFlag)
	if err != nil {
		return "", 0, err
	}
	if strings.Contains(arg, "://") {
		return arg, v, nil
	}

	c, err := db.GetCatalog(ctx, arg)
	if err != nil {
		return "", 0, fmt.Errorf("%q is neither a URL nor a saved catalog: %w", arg, err)
	}
	if versionFlag == "" || versionFlag == "auto" {
		if v, err = opds.ParseVersion(c.Version); err != nil {
			v = opds.VersionAuto
		}
	}
	return c.URL, v, nil
}

func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q (available: text, json, yaml)", format)
}

// explain adds a hint for the failures a user can act on.
func explain(err error) error {
	switch acquire.KindOf(err) {
	case acquire.KindAuthRequired:
		return fmt.Errorf("%w\nThe server requires a login. Save one with: opdsacq creds add <host> <username>", err)
	case acquire.KindRateLimited:
		return fmt.Errorf("%w\nThe server is rate limiting requests, try again later", err)
	}
	return err
}
