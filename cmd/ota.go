package cmd

import (
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/cloudaws"
	"github.com/rattlesnakeos/otatools/internal/metrics"
	"github.com/rattlesnakeos/otatools/internal/ota"
	"github.com/rattlesnakeos/otatools/internal/release"
	"os"
	"os/signal"

	"github.com/manifoldco/promptui"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

var (
	assumeYes bool
)

func init() {
	rootCmd.AddCommand(otaCmd)

	flags := otaCmd.Flags()

	flags.StringP("incremental-from", "i", "",
		"target-files of the build the package updates from. without it a full package is built.")
	_ = viper.BindPFlag("incremental-from", flags.Lookup("incremental-from"))

	flags.StringP("package-key", "k", "",
		"PEM private key the A/B payload is signed with")
	_ = viper.BindPFlag("package-key", flags.Lookup("package-key"))

	flags.String("package-cert", "",
		"x509 certificate matching the package key. it is shipped as otacert and used to verify the payload.")
	_ = viper.BindPFlag("package-cert", flags.Lookup("package-cert"))

	flags.String("signapk-key", "",
		"pk8 key used with signapk and the package certificate to sign the whole package. "+
			"the package is left unsigned when empty.")
	_ = viper.BindPFlag("signapk-key", flags.Lookup("signapk-key"))

	flags.Bool("wipe", false, "wipe user data after the update")
	_ = viper.BindPFlag("wipe", flags.Lookup("wipe"))

	flags.Bool("downgrade", false, "allow a target older than the source. implies --wipe.")
	_ = viper.BindPFlag("downgrade", flags.Lookup("downgrade"))

	flags.StringSlice("partitions", nil, "only update these partitions (A/B partial update)")
	_ = viper.BindPFlag("partitions", flags.Lookup("partitions"))

	flags.Int("workers", 0, "partitions processed at once (default half the CPUs)")
	_ = viper.BindPFlag("workers", flags.Lookup("workers"))

	flags.Int("transfer-list-version", blockimgdiff.DefaultVersion, "version of non-A/B transfer lists")
	_ = viper.BindPFlag("transfer-list-version", flags.Lookup("transfer-list-version"))

	flags.Int64("cache-size", 0, "size in bytes of the device stash area, 0 for unlimited")
	_ = viper.BindPFlag("cache-size", flags.Lookup("cache-size"))

	flags.Float64("stash-threshold", blockimgdiff.DefaultStashThreshold, "share of the cache size the stash may use")
	_ = viper.BindPFlag("stash-threshold", flags.Lookup("stash-threshold"))

	flags.Int("max-new-blocks", 0, "blocks that may be converted to new data to fit the stash, 0 for unlimited")
	_ = viper.BindPFlag("max-new-blocks", flags.Lookup("max-new-blocks"))

	flags.Bool("disable-imgdiff", false, "use bsdiff for zip-structured files too")
	_ = viper.BindPFlag("disable-imgdiff", flags.Lookup("disable-imgdiff"))

	flags.Bool("disable-zstd", false, "keep full A/B payload operations uncompressed")
	_ = viper.BindPFlag("disable-zstd", flags.Lookup("disable-zstd"))

	flags.Bool("brotli-new-data", false, "compress non-A/B new data with brotli")
	_ = viper.BindPFlag("brotli-new-data", flags.Lookup("brotli-new-data"))

	flags.Bool("verify-transfers", false, "replay every partition update before packaging it")
	_ = viper.BindPFlag("verify-transfers", flags.Lookup("verify-transfers"))

	flags.Bool("validate-verity", false, "rebuild and check the hashtree of every verity image")
	_ = viper.BindPFlag("validate-verity", flags.Lookup("validate-verity"))

	flags.String("metrics-file", "", "write build metrics to this file in the prometheus text format")
	_ = viper.BindPFlag("metrics-file", flags.Lookup("metrics-file"))

	flags.StringP("name", "n", "otatools", "name of the release, used in notifications")
	_ = viper.BindPFlag("name", flags.Lookup("name"))

	flags.String("bucket", "", "S3 bucket the package is published to. nothing is published when empty.")
	_ = viper.BindPFlag("bucket", flags.Lookup("bucket"))

	flags.StringP("region", "r", "", "aws region of the bucket and the notification topic (e.g. us-west-2)")
	_ = viper.BindPFlag("region", flags.Lookup("region"))

	flags.String("prefix", "", "key prefix of published packages")
	_ = viper.BindPFlag("prefix", flags.Lookup("prefix"))

	flags.String("topic", "", "SNS topic notified of published packages")
	_ = viper.BindPFlag("topic", flags.Lookup("topic"))

	flags.StringP("email", "e", "", "email address subscribed to the notification topic")
	_ = viper.BindPFlag("email", flags.Lookup("email"))

	flags.BoolVarP(&assumeYes, "yes", "y", false, "publish without asking for confirmation")
}

var otaCmd = &cobra.Command{
	Use:   "ota TARGET_FILES OUTPUT_ZIP",
	Short: "build a full or incremental OTA package from target-files",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("expected target-files and output zip, got %d arguments", len(args))
		}
		if viper.GetString("bucket") != "" || viper.GetString("topic") != "" {
			if viper.GetString("region") == "" {
				return fmt.Errorf("must provide a region to publish")
			}
			if !cloudaws.IsSupportedRegion(viper.GetString("region")) {
				return fmt.Errorf("unsupported region %v", viper.GetString("region"))
			}
		}
		if viper.GetString("topic") != "" && viper.GetString("bucket") == "" {
			return fmt.Errorf("notifications need a bucket to publish to")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		c := viper.AllSettings()
		bs, err := yaml.Marshal(c)
		if err != nil {
			log.Fatalf("unable to marshal config to YAML: %v", err)
		}
		log.Debugf("current settings:\n%v", string(bs))

		if viper.GetString("bucket") != "" && !assumeYes {
			fmt.Println(string(bs))
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Publish to bucket %v ", viper.GetString("bucket")),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				log.Fatalf("exiting: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), release.DefaultReleaseTimeout)
		defer cancel()
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()

		if err := runOta(ctx, args[0], args[1]); err != nil {
			log.Fatal(err)
		}
	},
}

func otaOptions(target, output string) ota.Options {
	return ota.Options{
		TargetFiles:         target,
		SourceFiles:         viper.GetString("incremental-from"),
		Output:              output,
		PackageKey:          viper.GetString("package-key"),
		PackageCert:         viper.GetString("package-cert"),
		Wipe:                viper.GetBool("wipe"),
		Downgrade:           viper.GetBool("downgrade"),
		Partitions:          viper.GetStringSlice("partitions"),
		Workers:             viper.GetInt("workers"),
		TransferListVersion: viper.GetInt("transfer-list-version"),
		CacheSize:           viper.GetInt64("cache-size"),
		StashThreshold:      viper.GetFloat64("stash-threshold"),
		MaxNewBlocks:        viper.GetInt("max-new-blocks"),
		DisableImgdiff:      viper.GetBool("disable-imgdiff"),
		DisableZstd:         viper.GetBool("disable-zstd"),
		BrotliNewData:       viper.GetBool("brotli-new-data"),
		VerifyTransfers:     viper.GetBool("verify-transfers"),
		ValidateVerity:      viper.GetBool("validate-verity"),
	}
}

func runOta(ctx context.Context, target, output string) error {
	workspace, client, err := newWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = workspace.Close() }()

	hostTools := ota.HostTools(client, workspace.Dir, viper.GetString("package-cert"), viper.GetString("signapk-key"))
	packager, err := ota.New(otaOptions(target, output), workspace, templatesFiles, hostTools)
	if err != nil {
		return err
	}

	var publisher release.Publisher
	var notifier release.Notifier
	if bucket := viper.GetString("bucket"); bucket != "" {
		publishClient, err := cloudaws.NewPublishClient(bucket, viper.GetString("region"), viper.GetString("prefix"))
		if err != nil {
			return fmt.Errorf("failed to create aws publish client: %w", err)
		}
		if err := publishClient.Setup(ctx); err != nil {
			return err
		}
		publisher = publishClient
	}
	if topic := viper.GetString("topic"); topic != "" {
		notifyClient, err := cloudaws.NewNotifyClient(topic, viper.GetString("region"))
		if err != nil {
			return fmt.Errorf("failed to create aws notify client: %w", err)
		}
		if email := viper.GetString("email"); email != "" {
			subscribed, err := notifyClient.Subscribe(ctx, email)
			if err != nil {
				return err
			}
			if subscribed {
				log.Infof("subscribed %v - you'll need to click the link in the confirmation email to get notifications", email)
			}
		}
		notifier = notifyClient
	}

	recorder := metrics.New()
	result, err := release.New(viper.GetString("name"), packager, recorder, publisher, notifier).Run(ctx)
	if err != nil {
		return err
	}

	metrics.WriteSummary(os.Stdout, result.Summary)
	if metricsFile := viper.GetString("metrics-file"); metricsFile != "" {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			return err
		}
	}
	if result.Location != "" {
		log.Infof("published %v", result.Location)
	}
	return nil
}
