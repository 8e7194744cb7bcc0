package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Studyroom/internal/config"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "studyroom",
	Short:        "Peer-to-peer study group video and chat",
	SilenceUsage: true,
}

// Execute runs the root command; called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "yaml config file")
	pf.String("signal-url", "", "broker websocket url")
	pf.String("key", "", "broker secret")
	pf.StringSlice("ice-server", nil, "STUN/TURN url, repeatable")
	pf.String("log-level", "", "zerolog level")
	pf.StringP("user", "u", "", "your user id")
	pf.StringP("group", "g", "", "study group id")

	bind(pf.Lookup("signal-url"), "signal_url")
	bind(pf.Lookup("key"), "key")
	bind(pf.Lookup("ice-server"), "ice_servers")
	bind(pf.Lookup("log-level"), "log_level")
	bind(pf.Lookup("user"), "user")
	bind(pf.Lookup("group"), "group")
}

func initConfig() {
	config.SetPeerDefaults(v)
	v.SetEnvPrefix("STUDYROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

// bind exposes a flag to viper under key; a flag only wins when it was set.
func bind(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
