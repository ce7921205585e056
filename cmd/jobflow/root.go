package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/config"
	"github.com/t77yq/jobflow/internal/logging"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/storage"
)

var (
	cfgFile string
	v       = viper.New()

	cfg    *config.Config
	logger *zap.Logger
	store  *storage.SQLiteStore
)

var rootCmd = &cobra.Command{
	Use:           "jobflow",
	Short:         "Distributed cron job scheduler with retries and notifications",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		store, err = storage.NewSQLiteStore(logger, cfg.Store.Path)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./config/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Path to the SQLite database (overrides store.path)")
	_ = v.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db"))
}

// respond prints the response envelope for data or err and returns err so
// the exit code reflects it.
func respond[T any](data T, message string, err error) error {
	var resp any
	if err != nil {
		resp = model.Fail[T](err)
	} else {
		resp = model.OK(data, message)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(resp); encErr != nil {
		return fmt.Errorf("failed to write response: %w", encErr)
	}
	return err
}
