package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/tracepipe/pkg/cmd/emit"
	"github.com/stleox/tracepipe/pkg/cmd/rate"
	"github.com/stleox/tracepipe/pkg/config"
)

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName(config.DefaultConfigName) // name of config file (without extension)
	vp.SetConfigType("yaml")                   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")                      // look for a config in the working directory first
	vp.AddConfigPath("/etc/tracepipe")

	// read config from environment variables
	vp.SetEnvPrefix(config.DefaultEnvPrefix) // env var must start with TRACEPIPE_
	// replace - and . by _ for environment variable names
	// (eg: the env var for collector.kind is TRACEPIPE_COLLECTOR_KIND)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vp.AutomaticEnv() // read in environment variables that match
	config.SetDefaults(vp)
	return vp
}

// readConfig 读取配置文件；没有配置文件不是错误
func readConfig(vp *viper.Viper, file string) error {
	if file != "" {
		vp.SetConfigFile(file)
	}
	err := vp.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && file == "" && errors.As(err, &notFound) {
		return nil
	}
	return err
}

func New(vp *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "tracepipe",
		Short:         "tracepipe emits spans through the asynchronous span pipeline and manages the sample rate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := readConfig(vp, configFile); err != nil {
				return err
			}
			if err := vp.BindPFlag(config.KeyDebug, cmd.Root().PersistentFlags().Lookup(config.KeyDebug)); err != nil {
				return err
			}
			config.Debug = vp.GetBool(config.KeyDebug)
			config.InitLogrus()

			if config.Debug {
				logrus.Info("enabled debug mode")
			} else {
				logrus.Debug("disabled debug mode")
			}
			if used := vp.ConfigFileUsed(); used != "" {
				logrus.WithField("file", used).Info("TracePipe loaded config file")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to the config file (default ./tracepipe.yaml)")
	root.PersistentFlags().Bool(config.KeyDebug, false, "Enable debug mode")
	return root
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(emit.New(vp))
	root.AddCommand(rate.New(vp))

	err := root.Execute()
	if err != nil {
		logrus.WithError(err).Error("TracePipe exited")
		os.Exit(1)
	}
}
