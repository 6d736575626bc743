package main

import (
	"fmt"
	"strings"

	"github.com/mcdev12/quizzo/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flags holds command line overrides of the config file.
type flags struct {
	configPath string
	logLevel   string
	backend    string
	port       int
	baseURL    string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	v := viper.New()
	v.SetEnvPrefix("QUIZZO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizzo",
		Short:         "Team quiz rooms kept in sync over a shared key/value store.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
	}

	pfs := cmd.PersistentFlags()
	pfs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	pfs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file (env: QUIZZO_CONFIG)")
	pfs.StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn or error (env: QUIZZO_LOG_LEVEL)")
	pfs.StringVarP(&f.backend, "backend", "b", "memory", "store backend: memory, nats, postgres or rtdb (env: QUIZZO_BACKEND)")

	serve := newServeCmd(f)
	serve.Flags().IntVarP(&f.port, "port", "p", 8080, "port to listen on (env: QUIZZO_PORT)")
	serve.Flags().StringVar(&f.baseURL, "base-url", "http://localhost:8080", "public address encoded in join QR codes (env: QUIZZO_BASE_URL)")

	cmd.AddCommand(serve, newMigrateCmd(f))

	bindEnv(v, pfs)
	bindEnv(v, serve.Flags())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizzo v{{.Version}}\n")
	return cmd
}

// bindEnv fills unset flags from QUIZZO_* variables so they count as changed.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(fl *pflag.Flag) {
		_ = v.BindPFlag(fl.Name, fl)
		_ = v.BindEnv(fl.Name)
		if !fl.Changed && v.IsSet(fl.Name) {
			_ = fs.Set(fl.Name, fmt.Sprintf("%v", v.Get(fl.Name)))
		}
	})
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("backend") {
		cfg.Backend = config.Backend(f.backend)
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("base-url") {
		cfg.Server.BaseURL = f.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}
