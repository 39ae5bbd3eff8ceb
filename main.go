package main

import (
	"os"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

func init() {
	cobra.OnInitialize(func() {
		if err := config.InitConfig(); err != nil {
			log.WithError(err).Fatal("failed to initialize configuration")
		}
	})
	RootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-tunneler/config.yaml)")
	RootCmd.AddCommand(ListenCmd, ConnectCmd, ConfigCmd)
}

// RootCmd is the main command for the 'tunneler' binary.
var RootCmd = &cobra.Command{
	Use:   "tunneler",
	Short: "encrypted multiplexed tunnels over UDP",
	Long: "tunneler opens encrypted UDP tunnels between peers and carries " +
		"independent message pipes inside each tunnel.",
	SilenceUsage: true,
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
