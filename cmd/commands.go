package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Darmau/koktohay-api/cmd/migrate"
	"github.com/Darmau/koktohay-api/internal/app"
	"github.com/Darmau/koktohay-api/internal/cache"
	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/redisholder"
	"github.com/Darmau/koktohay-api/internal/repository/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load()
		if err != nil {
			return err
		}

		if len(args) == 1 && args[0] == "down" {
			err = migrate.Down(cmd.Context(), cfg.Database.DSN, migrate.Migrations)
		} else {
			err = migrate.Migrate(cmd.Context(), cfg.Database.DSN, migrate.Migrations)
		}
		if err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <image-id>",
	Short: "Queue a fresh processing run for an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid image id %q", args[0])
		}

		cfg, log, err := load()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.UseCase.Retry(cmd.Context(), id); err != nil {
			return err
		}
		log.Info("retry queued", "image_id", id)
		return nil
	},
}

var storageConfigCmd = &cobra.Command{
	Use:   "storage-config",
	Short: "Inspect or change the object storage settings",
}

var storageConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored settings with the secret masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := load()
		if err != nil {
			return err
		}
		repo, err := storage.New(cmd.Context(), cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer repo.Close()

		sc, err := repo.GetStorageConfig(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "region:        %s\n", sc.Region)
		fmt.Fprintf(out, "endpoint:      %s\n", sc.Endpoint)
		fmt.Fprintf(out, "access_key_id: %s\n", sc.AccessKeyID)
		fmt.Fprintf(out, "secret_key:    %s\n", mask(sc.SecretKey))
		fmt.Fprintf(out, "bucket:        %s\n", sc.Bucket)
		fmt.Fprintf(out, "url_prefix:    %s\n", sc.URLPrefix)
		return nil
	},
}

var storageSettings entities.StorageConfig

var storageConfigSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store new object storage settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := storageSettings.Validate(); err != nil {
			return err
		}

		cfg, log, err := load()
		if err != nil {
			return err
		}
		repo, err := storage.New(cmd.Context(), cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.SetStorageConfig(cmd.Context(), storageSettings); err != nil {
			return err
		}
		log.Info("storage settings saved", "bucket", storageSettings.Bucket, "endpoint", storageSettings.Endpoint)
		return nil
	},
}

var geoCacheCmd = &cobra.Command{
	Use:   "geo-cache",
	Short: "Manage cached reverse geocoding results",
}

var geoCacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop every cached address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		holder, err := redisholder.Build(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer holder.Close()

		n, err := cache.NewCache(app.GeoCacheNamespace, holder).Flush(ctx)
		if err != nil {
			return err
		}
		log.Info("geo cache flushed", "keys", n)
		return nil
	},
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func init() {
	f := storageConfigSetCmd.Flags()
	f.StringVar(&storageSettings.Region, "region", "auto", "bucket region")
	f.StringVar(&storageSettings.Endpoint, "endpoint", "", "S3-compatible endpoint URL")
	f.StringVar(&storageSettings.AccessKeyID, "access-key-id", "", "access key id")
	f.StringVar(&storageSettings.SecretKey, "secret-key", "", "secret access key")
	f.StringVar(&storageSettings.Bucket, "bucket", "", "bucket name")
	f.StringVar(&storageSettings.URLPrefix, "url-prefix", "", "public URL prefix for stored objects")

	storageConfigCmd.AddCommand(storageConfigShowCmd, storageConfigSetCmd)
	geoCacheCmd.AddCommand(geoCacheFlushCmd)
}
