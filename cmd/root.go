package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mssql-writer/internal/logging"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "mssql-writer",
	Short: "Load CSV extracts into SQL Server",
	Long: `
 __  __ ____ ____   ___  _      __        ______  ___ _____ _____ ____
|  \/  / ___/ ___| / _ \| |     \ \      / /  _ \|_ _|_   _| ____|  _ \
| |\/| \___ \___ \| | | | |      \ \ /\ / /| |_) || |  | | |  _| | |_) |
| |  | |___) |__) | |_| | |___    \ V  V / |  _ < | |  | | | |___|  _ <
|_|  |_|____/____/ \__\_\_____|    \_/\_/  |_| \_\___| |_| |_____|_| \_\

Bulk loads CSV extracts into SQL Server with bcp, then casts and merges them.
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(viper.GetString("log.level"), viper.GetString("log.format"))
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mssql-writer.yaml)")
	RootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	RootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", RootCmd.PersistentFlags().Lookup("log-format"))

	setDefaults(viper.GetViper())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// executable directory first, then the working directory
		if ex, err := os.Executable(); err == nil {
			viper.AddConfigPath(filepath.Dir(ex))
		}
		viper.AddConfigPath(".")

		viper.SetConfigName("mssql-writer")
		viper.SetConfigType("yaml")
	}

	// MSSQL_WRITER_DB_PASSWORD overrides db.password
	viper.SetEnvPrefix("MSSQL_WRITER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
