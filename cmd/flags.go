package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/logging"
)

// bindFlags binds flag names to viper keys. Only flags that exist on fs are
// bound, so a typo panics at init time instead of silently doing nothing.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag --%s is not defined", name))
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	}
}

// validateFormat checks an output format against the accepted ones.
func validateFormat(format string, valid []string) error {
	if slices.Contains(valid, format) {
		return nil
	}
	return fmt.Errorf("invalid format %q: must be one of %s", format, strings.Join(valid, ", "))
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config, out io.Writer) (logging.Logger, error) {
	lc, err := cfg.Log.LoggerConfig()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	lc.Output = out
	return logging.NewLogger(lc), nil
}
