// Command registry-server runs the HTTP surface over a git-backed index,
// a content-addressed blob store, and a pluggable metadata store, plus
// operator subcommands for bootstrapping accounts, recomputing search
// descriptors from the git index, and printing the effective config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/git-pkgs/registry-server/internal/auth"
	"github.com/git-pkgs/registry-server/internal/blobstore"
	"github.com/git-pkgs/registry-server/internal/config"
	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/httpapi"
	"github.com/git-pkgs/registry-server/internal/indexrepo"
	"github.com/git-pkgs/registry-server/internal/logging"
	"github.com/git-pkgs/registry-server/internal/metadata"
	"github.com/git-pkgs/registry-server/internal/metadata/boltstore"
	"github.com/git-pkgs/registry-server/internal/metadata/mongostore"
	"github.com/git-pkgs/registry-server/internal/metadata/redisstore"
	"github.com/git-pkgs/registry-server/internal/mirror"
	"github.com/git-pkgs/registry-server/internal/registry"
)

const rebuildIndexConcurrency = 8

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "registry-server",
		Short: "Self-hosted alternate package registry",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (TOML/YAML/JSON)")

	root.AddCommand(serveCmd(), rebuildIndexCmd(), createUserCmd(), printConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openMetadataStore(ctx context.Context, cfg config.Config) (metadata.Store, error) {
	switch cfg.MetadataDriver {
	case "bolt", "":
		return boltstore.Open(cfg.MetadataDSN)
	case "redis":
		return redisstore.Open(ctx, cfg.MetadataDSN, 0)
	case "mongo":
		return mongostore.Open(ctx, cfg.MetadataDSN, "registry")
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.MetadataDriver)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(cfg.LogLevel)
			ctx := cmd.Context()

			blobs, err := blobstore.New(cfg.BlobRoot)
			if err != nil {
				return fmt.Errorf("opening blob store: %w", err)
			}

			idx, err := indexrepo.Open(ctx, cfg.IndexOrigin, cfg.IndexWorkDir,
				indexrepo.WithBranch(cfg.IndexBranch),
				indexrepo.WithAuthor(cfg.IndexAuthorName, cfg.IndexAuthorEmail))
			if err != nil {
				return fmt.Errorf("opening index repository: %w", err)
			}

			store, err := openMetadataStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening metadata store: %w", err)
			}
			defer store.Close()

			allowed := make(map[string]bool, len(cfg.AllowedUpstreamRegistries))
			for _, u := range cfg.AllowedUpstreamRegistries {
				allowed[u] = true
			}

			reg, err := registry.New(blobs, idx, store,
				registry.WithAllowedUpstreams(allowed),
				registry.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("constructing registry service: %w", err)
			}

			authSvc := auth.New(store, auth.DefaultKDFParams())

			var opts []httpapi.Option
			opts = append(opts, httpapi.WithLogger(logger))
			if cfg.MirrorEnabled {
				mir, err := mirror.New(blobs, store, cfg.MirrorUpstreamURL, mirror.WithLogger(logger))
				if err != nil {
					return fmt.Errorf("constructing mirror service: %w", err)
				}
				opts = append(opts, httpapi.WithMirror(mir))
			}

			srv := httpapi.NewServer(reg, authSvc, opts...)

			logger.WithField("addr", cfg.ListenAddr).Info("starting registry-server")
			return http.ListenAndServe(cfg.ListenAddr, srv.Router())
		},
	}
}

// rebuildIndexCmd recomputes each known name's PackageDescriptor from the
// git index's latest published version, concurrently across names. It
// does not touch ownership: the divergence it recovers from is between
// the index (authoritative for versions) and the search descriptor
// side-table, not the ownership open question resolved in
// internal/registry.Publish.
func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Recompute search descriptors from the git index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(cfg.LogLevel)
			ctx := cmd.Context()

			blobs, err := blobstore.New(cfg.BlobRoot)
			if err != nil {
				return fmt.Errorf("opening blob store: %w", err)
			}
			idx, err := indexrepo.Open(ctx, cfg.IndexOrigin, cfg.IndexWorkDir,
				indexrepo.WithBranch(cfg.IndexBranch),
				indexrepo.WithAuthor(cfg.IndexAuthorName, cfg.IndexAuthorEmail))
			if err != nil {
				return fmt.Errorf("opening index repository: %w", err)
			}
			store, err := openMetadataStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("opening metadata store: %w", err)
			}
			defer store.Close()

			reg, err := registry.New(blobs, idx, store, registry.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("constructing registry service: %w", err)
			}

			names, err := store.KnownNames()
			if err != nil {
				return fmt.Errorf("listing known names: %w", err)
			}

			g, _ := errgroup.WithContext(ctx)
			g.SetLimit(rebuildIndexConcurrency)

			for _, name := range names {
				name := name
				g.Go(func() error {
					versions, _, err := reg.GetPackage(name)
					if err != nil {
						logger.WithError(err).WithField("name", name).Warn("skipping name during rebuild")
						return nil
					}
					if len(versions) == 0 {
						return nil
					}
					latest := versions[len(versions)-1]
					desc, err := store.Descriptor(name)
					if err != nil {
						return err
					}

					rebuilt := domain.PackageDescriptor{Name: name, MaxVersion: latest.Vers}
					if desc != nil {
						rebuilt.Description = desc.Description
						rebuilt.Authors = desc.Authors
						rebuilt.Keywords = desc.Keywords
						rebuilt.Categories = desc.Categories
						rebuilt.License = desc.License
						rebuilt.Repository = desc.Repository
					}
					return store.PutDescriptor(rebuilt)
				})
			}

			return g.Wait()
		},
	}
}

func createUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-user <login> <password>",
		Short: "Bootstrap the first account without going through HTTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			store, err := openMetadataStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("opening metadata store: %w", err)
			}
			defer store.Close()

			authSvc := auth.New(store, auth.DefaultKDFParams())
			token, err := authSvc.NewUser(args[0], args[1])
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}
}

func printConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
