package cmd

import (
	"context"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/blockimgdiff"
	"github.com/rattlesnakeos/otatools/internal/sparse"
	"os"
	"os/signal"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(blockdiffCmd)

	flags := blockdiffCmd.Flags()

	flags.String("src-map", "", "block map of the source image")
	_ = viper.BindPFlag("blockdiff.src-map", flags.Lookup("src-map"))

	flags.String("tgt-map", "", "block map of the target image")
	_ = viper.BindPFlag("blockdiff.tgt-map", flags.Lookup("tgt-map"))

	flags.Int("version", blockimgdiff.DefaultVersion, "transfer list version")
	_ = viper.BindPFlag("blockdiff.version", flags.Lookup("version"))

	flags.Int64("cache-size", 0, "size in bytes of the device stash area, 0 for unlimited")
	_ = viper.BindPFlag("blockdiff.cache-size", flags.Lookup("cache-size"))

	flags.Float64("stash-threshold", blockimgdiff.DefaultStashThreshold, "share of the cache size the stash may use")
	_ = viper.BindPFlag("blockdiff.stash-threshold", flags.Lookup("stash-threshold"))

	flags.Bool("disable-imgdiff", false, "use bsdiff for zip-structured files too")
	_ = viper.BindPFlag("blockdiff.disable-imgdiff", flags.Lookup("disable-imgdiff"))

	flags.Bool("verify", false, "replay the transfer list against the source and compare with the target")
	_ = viper.BindPFlag("blockdiff.verify", flags.Lookup("verify"))
}

var blockdiffCmd = &cobra.Command{
	Use:   "blockdiff SRC_IMG TGT_IMG PREFIX",
	Short: "compute the transfer list, new data and patch data turning one image into another. use - as SRC_IMG for a full update.",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := runBlockdiff(ctx, args[0], args[1], args[2]); err != nil {
			log.Fatal(err)
		}
	},
}

func openMappedImage(path, blockMap string) (*sparse.Image, error) {
	img, err := sparse.Open(path, sparse.Options{})
	if err != nil {
		return nil, err
	}
	var opts sparse.FileMapOptions
	if blockMap == "" {
		err = img.LoadFileMap(nil, opts)
	} else {
		var f *os.File
		if f, err = os.Open(blockMap); err == nil {
			err = img.LoadFileMap(f, opts)
			_ = f.Close()
		}
	}
	if err != nil {
		_ = img.Close()
		return nil, err
	}
	return img, nil
}

func runBlockdiff(ctx context.Context, srcPath, tgtPath, prefix string) error {
	workspace, client, err := newWorkspace()
	if err != nil {
		return err
	}
	defer func() { _ = workspace.Close() }()

	tgt, err := openMappedImage(tgtPath, viper.GetString("blockdiff.tgt-map"))
	if err != nil {
		return err
	}
	defer func() { _ = tgt.Close() }()

	var src blockimgdiff.Image
	if srcPath != "-" {
		img, err := openMappedImage(srcPath, viper.GetString("blockdiff.src-map"))
		if err != nil {
			return err
		}
		defer func() { _ = img.Close() }()
		src = img
	}

	differ := blockimgdiff.ToolDiffer{Runner: client, TempDir: workspace.Dir}
	result, err := blockimgdiff.New(src, tgt, differ, blockimgdiff.Options{
		Version:        viper.GetInt("blockdiff.version"),
		CacheSize:      viper.GetInt64("blockdiff.cache-size"),
		StashThreshold: viper.GetFloat64("blockdiff.stash-threshold"),
		DisableImgdiff: viper.GetBool("blockdiff.disable-imgdiff"),
	}).Compute(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("blockdiff.verify") {
		if err := result.Verify(ctx, src, blockimgdiff.ToolPatcher{Runner: client, TempDir: workspace.Dir}); err != nil {
			return err
		}
		log.Infof("transfer list verified")
	}

	paths, err := result.WriteFiles(filepath.Dir(prefix), filepath.Base(prefix))
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	log.Infof("%d blocks written, %d new, stash max %d blocks", result.List.TotalBlocksWritten, result.Stats.NewBlocks,
		result.List.StashBlocksMax)
	return nil
}
