package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Vers is the version string printed by the version command and the
// startup banner. It is a constant, so -ldflags -X cannot override it.
const Vers = "dev"

var Root = &cobra.Command{
	Use: "adchubd <command>",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		fmt.Printf("adchubd %s (%s)\n\n", Vers, runtime.Version())
	},
}

var confManager *viper.Viper

func init() {
	confManager = viper.New()
	confManager.SetConfigName("adchub")
	confManager.AddConfigPath(".")
	if runtime.GOOS != "windows" {
		confManager.AddConfigPath("/etc/adchub")
	}
	Root.AddCommand(versionCmd)
	Root.AddCommand(initCmd)
	Root.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Vers)
		return nil
	},
}

const defaultConfigPath = "adchub.yml"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDefaults(confManager)
		if err := confManager.WriteConfigAs(defaultConfigPath); err != nil {
			return err
		}
		fmt.Println("wrote", defaultConfigPath)
		return nil
	},
}
