package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skyframe/skyframe/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "skyframe",
		Short: "Astronomical capture, recording and guiding",
		Long: `Skyframe captures frames from a camera or a simulated star field, tracks a
star in them, records frames to disk without stalling capture, and guides a
mount to keep the tracked star in place.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.Setup(v, cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/skyframe/skyframe.yaml)")

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newDumpCmd())
	return root
}
