package cmd

import (
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/templates"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile                   string
	verbose                   bool
	defaultConfigFileBase     = ".otatools"
	defaultConfigFileFormat   = "toml"
	defaultConfigFile         = fmt.Sprintf("%v.%v", defaultConfigFileBase, defaultConfigFileFormat)
	defaultConfigFileFullPath string
	configFileFullPath        string
	version                   string
	templatesFiles            *templates.TemplateFiles
)

// Execute the CLI
func Execute(ver string, templFiles *templates.TemplateFiles) {
	version = ver
	templatesFiles = templFiles
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	home, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Fatal("couldn't find home dir")
	}
	defaultConfigFileFullPath = fmt.Sprintf("%v/%v", home, defaultConfigFile)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		configFileFullPath = cfgFile
		if _, err := os.Stat(configFileFullPath); os.IsNotExist(err) {
			log.Infof("config file %v doesn't exist yet - creating it", configFileFullPath)
			f, err := os.Create(configFileFullPath)
			if err != nil {
				log.Fatalf("failed to create config file %v", configFileFullPath)
			}
			_ = f.Close()
		}
	} else {
		viper.SetConfigName(defaultConfigFileBase)
		viper.SetConfigType(defaultConfigFileFormat)
		viper.AddConfigPath(home)
		configFileFullPath = defaultConfigFileFullPath
	}

	if err := viper.ReadInConfig(); err != nil {
		if viper.ConfigFileUsed() != "" {
			log.Fatalf("failed to parse config file %v. error: %v", viper.ConfigFileUsed(), err)
		}
	}
	if viper.ConfigFileUsed() != "" {
		log.Debugf("using config file: %v", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config-file", "", fmt.Sprintf("config file (default location to look for config is $HOME/%s)", defaultConfigFile))
	flags.BoolVarP(&verbose, "verbose", "v", false, "log external tool output and other debug details")

	flags.String("tools-path", "", "directory holding bin/ with the host tools (avbtool, bsdiff, imgdiff, brotli, fec, signapk, ...). "+
		"tools not found there are looked up in PATH.")
	_ = viper.BindPFlag("tools-path", flags.Lookup("tools-path"))

	flags.String("temp-dir", "", "parent directory of the workspace holding extracted images and intermediate files. "+
		"defaults to the system temp directory.")
	_ = viper.BindPFlag("temp-dir", flags.Lookup("temp-dir"))

	flags.Duration("tool-timeout", 0, "timeout of a single external tool invocation (default 30m)")
	_ = viper.BindPFlag("tool-timeout", flags.Lookup("tool-timeout"))
}

var rootCmd = &cobra.Command{
	Use: "otatools",
	Short: "a cross platform tool that merges Android target-files and turns them into full or incremental " +
		"A/B and non-A/B OTA packages.",
}
