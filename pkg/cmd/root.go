package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stleox/spanflow/pkg/cmd/collector"
	"github.com/stleox/spanflow/pkg/cmd/relay"
	"github.com/stleox/spanflow/pkg/config"
)

const (
	configDir         = "/etc/spanflow"
	configDirFallback = "$HOME/.spanflow"
)

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config") // name of config file (without extension)
	vp.SetConfigType("yaml")   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")      // look for a config in the working directory first
	vp.AddConfigPath(configDir)
	vp.AddConfigPath(configDirFallback)

	// read config from environment variables
	vp.SetEnvPrefix("spanflow") // env var must start with SPANFLOW_
	// replace - and . by _ for environment variable names
	// (eg: the env var for collector.store is SPANFLOW_COLLECTOR_STORE)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vp.AutomaticEnv() // read in environment variables that match
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "spanflow",
		Short:        "Propagate trace context across services and collect the spans",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := vp.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return err
				}
			} else {
				logrus.WithField("file", vp.ConfigFileUsed()).Info("SpanFlow loaded config file")
			}

			config.Load(vp)
			if config.Debug {
				logrus.Info("enabled debug mode")
			} else {
				logrus.Info("disabled debug mode")
			}
			return nil
		},
	}
	// debug flag
	root.PersistentFlags().AddFlagSet(pflag.CommandLine)
	return root
}

func init() {
	pflag.BoolVar(&config.Debug, "debug", false, "Enable debug mode")
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(collector.New(vp))
	root.AddCommand(relay.New(vp))

	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
