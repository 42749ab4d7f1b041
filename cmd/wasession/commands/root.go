package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/opd-ai/wasession"
	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/store/boltstore"
	"github.com/opd-ai/wasession/store/filestore"
	"github.com/opd-ai/wasession/store/sqlstore"
)

var (
	home        string
	configPath  string
	backendName string
	passphrase  string
	account     string
	verbose     bool

	logger = logrus.New()
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "wasession",
		Short:         "Multi-device encrypted messaging session client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".wasession")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	addStoreFlags(root.PersistentFlags())

	root.AddCommand(initCmd(), fingerprintCmd(), decodeCmd(), connectCmd(), sendCmd(), logoutCmd())
	return root.ExecuteContext(context.Background())
}

func addStoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&home, "home", "", "data dir (default ~/.wasession)")
	fs.StringVar(&backendName, "store", "bolt", "credential backend: bolt, sqlite or file")
	fs.StringVarP(&passphrase, "passphrase", "p", "", "passphrase for the file backend (prompted when empty)")
	fs.StringVar(&account, "account", "default", "snapshot name for the sqlite backend")
}

// readPassphrase prompts on the terminal with echo disabled.
func readPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("passphrase required for the file backend (-p)")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

func openBackend() (store.Backend, error) {
	switch backendName {
	case "bolt":
		return boltstore.Open(filepath.Join(home, "session.db"))
	case "sqlite":
		return sqlstore.Open(filepath.Join(home, "session.sqlite"), account)
	case "file":
		pass := []byte(passphrase)
		if len(pass) == 0 {
			var err error
			if pass, err = readPassphrase(); err != nil {
				return nil, err
			}
		}
		return filestore.Open(filepath.Join(home, "keys"), pass)
	}
	return nil, fmt.Errorf("unknown store backend %q", backendName)
}

func openStore(ctx context.Context) (*store.Store, error) {
	backend, err := openBackend()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, backend, store.Options{Logger: logger})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return st, nil
}

func loadConfig() (wasession.Config, error) {
	cfg := wasession.DefaultConfig()
	if configPath != "" {
		loaded, err := wasession.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil && !verbose {
		logger.SetLevel(level)
	}
	cfg.Logger = logger
	return cfg, nil
}

// withClient opens the store, builds a client and runs fn with it.
func withClient(ctx context.Context, fn func(*wasession.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := wasession.NewClient(cfg, st)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}
