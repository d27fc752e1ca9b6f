package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewCmdConfig(out io.Writer, config *Config) *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the current configuration",
		Long:  "Print the configuration in effect after merging the configuration file and the environment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaults {
				_, err := io.WriteString(out, defaultConfig)
				return err
			}
			return doConfig(out, config)
		},
	}

	cmd.Flags().BoolVar(&defaults, "defaults", false, "Print the annotated default configuration instead")

	return cmd
}

func doConfig(out io.Writer, config *Config) error {
	mode, err := config.Mode()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# Effective configuration of a %s relay (hot mode: %t)\n\n", mode, config.Relay.HotMode)
	_, err = fmt.Fprintf(out, "%s", config)
	return err
}
