package cmd

import (
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/merge"
	"github.com/rattlesnakeos/otatools/internal/partitions"
	"github.com/rattlesnakeos/otatools/internal/targetfiles"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(mergeCmd)

	flags := mergeCmd.Flags()

	flags.String("framework-target-files", "", "target-files zip or directory of the framework build")
	_ = viper.BindPFlag("framework-target-files", flags.Lookup("framework-target-files"))

	flags.String("vendor-target-files", "", "target-files zip or directory of the vendor build")
	_ = viper.BindPFlag("vendor-target-files", flags.Lookup("vendor-target-files"))

	flags.String("framework-item-list", "", "file listing the framework entries, one pattern per line")
	_ = viper.BindPFlag("framework-item-list", flags.Lookup("framework-item-list"))

	flags.String("vendor-item-list", "", "file listing the vendor entries, one pattern per line")
	_ = viper.BindPFlag("vendor-item-list", flags.Lookup("vendor-item-list"))

	flags.String("framework-misc-info-keys", "", "file listing the misc_info keys taken from the framework build")
	_ = viper.BindPFlag("framework-misc-info-keys", flags.Lookup("framework-misc-info-keys"))

	flags.Bool("allow-duplicate-apkapex-keys", false, "let the framework entry win when apkcerts or apexkeys disagree")
	_ = viper.BindPFlag("allow-duplicate-apkapex-keys", flags.Lookup("allow-duplicate-apkapex-keys"))

	flags.Bool("skip-vintf-check", false, "do not run checkvintf on the merged build")
	_ = viper.BindPFlag("skip-vintf-check", flags.Lookup("skip-vintf-check"))

	flags.Bool("skip-shared-uid-check", false, "do not check for shared uids spanning both builds")
	_ = viper.BindPFlag("skip-shared-uid-check", flags.Lookup("skip-shared-uid-check"))

	flags.String("output-dir", "", "directory the merged target-files are written to")
	_ = viper.BindPFlag("output-dir", flags.Lookup("output-dir"))

	flags.String("output-target-files", "", "also pack the merged target-files into this zip")
	_ = viper.BindPFlag("output-target-files", flags.Lookup("output-target-files"))
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "merge a framework and a vendor target-files into one",
	Args: func(cmd *cobra.Command, args []string) error {
		for _, flag := range []string{"framework-target-files", "vendor-target-files", "output-dir"} {
			if viper.GetString(flag) == "" {
				return fmt.Errorf("must provide --%v", flag)
			}
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := runMerge(ctx); err != nil {
			log.Fatal(err)
		}
	},
}

func readList(flag string) ([]string, error) {
	path := viper.GetString(flag)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("--%v: %w", flag, err)
	}
	return merge.ParseItemList(data), nil
}

func runMerge(ctx context.Context) error {
	workspace, client, err := newWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = workspace.Close() }()

	registry := partitions.Known()
	opts := merge.Options{
		AllowDuplicateApkApexKeys: viper.GetBool("allow-duplicate-apkapex-keys"),
		Registry:                  registry,
	}
	if opts.FrameworkItems, err = readList("framework-item-list"); err != nil {
		return err
	}
	if opts.VendorItems, err = readList("vendor-item-list"); err != nil {
		return err
	}
	if opts.FrameworkMiscInfoKeys, err = readList("framework-misc-info-keys"); err != nil {
		return err
	}

	framework, err := targetfiles.Open(viper.GetString("framework-target-files"))
	if err != nil {
		return err
	}
	defer func() { _ = framework.Close() }()
	vendor, err := targetfiles.Open(viper.GetString("vendor-target-files"))
	if err != nil {
		return err
	}
	defer func() { _ = vendor.Close() }()

	var vintf merge.VintfChecker
	if !viper.GetBool("skip-vintf-check") {
		vintf = merge.CheckVintf{Runner: client, Registry: registry}
	}
	var sharedUID merge.SharedUIDReader
	if !viper.GetBool("skip-shared-uid-check") {
		sharedUID = merge.Aapt2{Runner: client}
	}

	result, err := merge.New(framework, vendor, opts, vintf, sharedUID).Merge(ctx, viper.GetString("output-dir"))
	if err != nil {
		return err
	}
	log.Infof("merged %d entries into %v", result.Files, result.Dir)

	if dest := viper.GetString("output-target-files"); dest != "" {
		if err := merge.WriteZip(result.Dir, dest); err != nil {
			return err
		}
	}
	return nil
}
