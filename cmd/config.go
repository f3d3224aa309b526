package cmd

import (
	"errors"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/cloudaws"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

func fileExists(input string) error {
	if input == "" {
		return nil
	}
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("file %v not found", input)
	}
	return nil
}

func prompt(key, label, hint, defaultValue string, validate promptui.ValidateFunc) {
	color.Cyan(hint)
	if viper.GetString(key) != "" {
		defaultValue = viper.GetString(key)
	}
	p := promptui.Prompt{
		Label:    label,
		Default:  defaultValue,
		Validate: validate,
	}
	result, err := p.Run()
	if err != nil {
		log.Fatalf("prompt failed %v\n", err)
	}
	viper.Set(key, result)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Setup config file for otatools",
	Run: func(cmd *cobra.Command, args []string) {
		prompt("package-key", "Package key ",
			"Package key is the PEM private key A/B payloads are signed with.", "", fileExists)

		prompt("package-cert", "Package certificate ",
			"Package certificate is the x509 certificate matching the package key. It is shipped in every package as otacert.",
			"", fileExists)

		prompt("tools-path", "Host tools path ",
			"Host tools path is the directory holding bin/ with avbtool, bsdiff, imgdiff, brotli, fec and signapk. "+
				"Leave empty to use PATH.", "", nil)

		prompt("bucket", "S3 bucket ",
			"S3 bucket packages are published to. THIS NAME MUST BE GLOBALLY UNIQUE. Leave empty to only build locally.",
			fmt.Sprintf("otatools-%v", randomString(10)), nil)
		if viper.GetString("bucket") != "" {
			prompt("region", "Region ",
				fmt.Sprintf("Region is the AWS region of the bucket and the notification topic. Valid options: %v",
					strings.Join(cloudaws.GetSupportedRegions(), ", ")),
				"", func(input string) error {
					if !cloudaws.IsSupportedRegion(input) {
						return errors.New("Invalid region")
					}
					return nil
				})

			prompt("topic", "SNS topic ",
				"SNS topic notified when a package is published. Leave empty to skip notifications.", "", nil)
		}

		if viper.GetString("topic") != "" {
			prompt("email", "Email ",
				"Email address you would like to send package notifications to.", "", func(input string) error {
					if !strings.Contains(input, "@") {
						return errors.New("Must provide valid email")
					}
					return nil
				})
		}

		err := viper.WriteConfigAs(configFileFullPath)
		if err != nil {
			log.WithError(err).Fatalf("failed to write config file %s", configFileFullPath)
		}
		log.Infof("otatools config file has been written to %v", configFileFullPath)
	},
}

func randomString(strlen int) string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, strlen)
	for i := range result {
		result[i] = chars[r.Intn(len(chars))]
	}
	return string(result)
}
