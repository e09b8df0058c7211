// Command keydb inspects and migrates the key database of a node.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/config"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keydb"
	"github.com/f3rmion/multisig/logging"
	"github.com/f3rmion/multisig/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "keydb",
		Short:         "Inspect and migrate the multisig key database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML settings file")
	flags.String("db", "", "key database directory (overrides "+config.KeyDBPath+")")
	flags.String("scheme", "", "crypto scheme (overrides "+config.KeyScheme+")")
	flags.String("genesis-hash", "", "expected hex genesis hash (overrides "+config.KeyGenesisHash+")")
	_ = a.v.BindPFlag(config.KeyDBPath, flags.Lookup("db"))
	_ = a.v.BindPFlag(config.KeyScheme, flags.Lookup("scheme"))
	_ = a.v.BindPFlag(config.KeyGenesisHash, flags.Lookup("genesis-hash"))

	root.AddCommand(a.migrateCmd(), a.keysCmd(), a.checkpointCmd())
	return root
}

// open loads the settings and opens, and if needed migrates, the database.
func (a *app) open() (*keydb.DB, *config.Settings, error) {
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config file %s", a.configFile)
		}
	}
	s, err := config.FromViper(a.v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(s.Logging.Level, s.Logging.Mode)
	if err != nil {
		return nil, nil, err
	}
	genesis, err := s.DB.GenesisHashBytes()
	if err != nil {
		return nil, nil, err
	}

	db, err := keydb.Open(s.DB.Path, keydb.Options{
		GenesisHash: genesis,
		Logger:      logger.With(zap.String("component", "keydb-cli")),
		Metrics:     metrics.New(prometheus.NewRegistry(), s.Metrics.Namespace),
	})
	if err != nil {
		return nil, nil, err
	}
	return db, s, nil
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the database, creating or migrating it to the latest schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, s, err := a.open()
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := db.SchemaVersion()
			if err != nil {
				return err
			}
			genesis, err := db.GenesisHash()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:           %s\n", s.DB.Path)
			fmt.Fprintf(out, "schema version: %d\n", version)
			fmt.Fprintf(out, "genesis hash:   %x\n", genesis)
			return nil
		},
	}
}

func (a *app) keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the keys stored for the configured scheme",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, s, err := a.open()
			if err != nil {
				return err
			}
			defer db.Close()

			scheme, err := s.Ceremony.CryptoScheme()
			if err != nil {
				return err
			}
			keys, err := db.LoadKeys(scheme)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range keys {
				fmt.Fprintf(out, "epoch=%d key=%x parties=%d threshold=%d holder=%t\n",
					k.ID.EpochIndex, k.ID.PublicKey, k.Info.Params.ShareCount, k.Info.Params.Threshold, k.Info.IsHolder())
				k.Info.Zeroize()
			}
			fmt.Fprintf(out, "%d %s key(s)\n", len(keys), scheme.Name())
			return nil
		},
	}
}

func (a *app) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Show or set the witness checkpoint of the configured scheme's chain",
		Args:  cobra.NoArgs,
	}
	var epoch uint32
	var block uint64
	cmd.Flags().Uint32Var(&epoch, "epoch", 0, "epoch index to record")
	cmd.Flags().Uint64Var(&block, "block", 0, "block number to record")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		db, s, err := a.open()
		if err != nil {
			return err
		}
		defer db.Close()

		scheme, err := frost.ByName(s.Ceremony.Scheme)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("block") {
			if err := db.UpdateCheckpoint(scheme.Tag(), keydb.Checkpoint{EpochIndex: epoch, BlockNumber: block}); err != nil {
				return err
			}
		}
		cp, err := db.LoadCheckpoint(scheme.Tag())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if cp == nil {
			fmt.Fprintf(out, "no checkpoint for %s\n", scheme.Name())
			return nil
		}
		fmt.Fprintf(out, "%s: epoch=%d block=%d\n", scheme.Name(), cp.EpochIndex, cp.BlockNumber)
		return nil
	}
	return cmd
}
