package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAGERENDER_SERVER_PORT.
const EnvPrefix = "PAGERENDER"

// ConfigFileEnv names an alternative configuration file.
const ConfigFileEnv = "PAGERENDER_CONFIG_FILE"

var envKeyReplacer = strings.NewReplacer(".", "_")

// Init points viper at the configuration file and enables environment
// overrides. An explicit file wins over PAGERENDER_CONFIG_FILE, which wins
// over .pagerender.yml in the working directory. It returns the file used,
// or "" when none was read.
func Init(explicitFile string) (string, error) {
	switch {
	case explicitFile != "":
		viper.SetConfigFile(explicitFile)
	case os.Getenv(ConfigFileEnv) != "":
		viper.SetConfigFile(os.Getenv(ConfigFileEnv))
	default:
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pagerender")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && explicitFile == "" {
			return "", nil
		}
		return "", err
	}
	return viper.ConfigFileUsed(), nil
}
