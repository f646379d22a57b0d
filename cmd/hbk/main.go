package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hbk-go/internal/app"
	"hbk-go/internal/config"
	"hbk-go/internal/encryption"
	"hbk-go/internal/hbk"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates an HBKApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "backup", "restore").
func newApp(ctx context.Context, operation string) (*app.HBKApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewHBKApp(ctx, cfg, operation, app.Options{
		Passphrase: promptPassphrase("Private key passphrase: "),
		Stderr:     os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassphrase returns a PassphraseFunc that reads from the terminal
// without echo. It is only called when a private key turns out to be protected.
func promptPassphrase(prompt string) encryption.PassphraseFunc {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("private key is passphrase-protected and stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
}

var rootCmd = &cobra.Command{
	Use:          "hbk",
	Short:        "Hybrid-encryption backup tool",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Work Dir:    %s\n", cfg.Paths.WorkDir)
		fmt.Printf("Repository:  %s\n", cfg.Paths.RepositoryDir)
		fmt.Printf("Public Key:  %s\n", cfg.Keys.PublicKeyPath)
		fmt.Printf("Cipher:      %s (%s)\n", cfg.Cipher.Backend, cfg.Cipher.Mode)
		fmt.Printf("Retention:   %d days (%s)\n", cfg.Retention.MaxAgeDays, cfg.Retention.Mode)
		mirror := cfg.Mirror.Type
		if mirror == "" {
			mirror = "none"
		}
		fmt.Printf("Mirror:      %s\n", mirror)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nInvalid: %v\n", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the key pair",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key pair",
	Long: "Generate an X25519 key pair. The public key stays on the backup host; " +
		"move the private key to the restore host.",
	RunE: func(cmd *cobra.Command, args []string) error {
		noPassphrase, _ := cmd.Flags().GetBool("no-passphrase")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		privPath := cfg.Keys.PrivateKeyPath
		if privPath == "" {
			if privPath, err = hbk.PrivateKeyPathForPublic(cfg.Keys.PublicKeyPath); err != nil {
				return err
			}
		}

		passphrase := ""
		if !noPassphrase {
			if passphrase, err = readNewPassphrase(); err != nil {
				return err
			}
		}

		if err := encryption.GenerateKeyPair(cfg.Keys.PublicKeyPath, privPath, passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		fmt.Printf("Public key:  %s\n", cfg.Keys.PublicKeyPath)
		fmt.Printf("Private key: %s\n", privPath)
		return nil
	},
}

func readNewPassphrase() (string, error) {
	first, err := promptPassphrase("New passphrase: ")()
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("empty passphrase; use --no-passphrase to store the private key unprotected")
	}
	second, err := promptPassphrase("Repeat passphrase: ")()
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypt the payload and place it in the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "backup")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		if result.Packed > 0 {
			fmt.Printf("Packed %d file(s)\n", result.Packed)
		}
		fmt.Printf("Placed %s (%d bytes)\n", result.Artifact.ID, result.Artifact.PayloadSize)
		if result.Mirrored {
			fmt.Println("Mirrored offsite")
		}
		if n := result.Pruned.Count(); n > 0 {
			fmt.Printf("Pruned %d file(s)\n", n)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore PAYLOAD OUTPUT",
	Short: "Decrypt an artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		privPath, _ := cmd.Flags().GetString("private-key")

		a, err := newApp(cmd.Context(), "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		resolved, err := a.Restore(cmd.Context(), args[0], keyPath, privPath, args[1])
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored %s\n", resolved.OutputPath)
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete artifacts older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "prune")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Prune(cmd.Context())
		if res != nil {
			for _, name := range res.Deleted {
				fmt.Printf("deleted %s\n", name)
			}
		}
		if err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
		fmt.Printf("Pruned %d file(s)\n", res.Count())
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts in the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "list")
		if err != nil {
			return err
		}
		defer a.Close()

		artifacts, err := a.List()
		if err != nil {
			return err
		}

		if len(artifacts) == 0 {
			fmt.Println("No artifacts.")
			return nil
		}

		for _, art := range artifacts {
			fmt.Printf("%-26s  %12d  %s\n",
				art.ID,
				art.PayloadSize,
				art.ModTime.Format("2006-01-02 15:04:05"),
			)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, run := range runs {
			duration := ""
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  %-10s  %s\n",
				run.ID,
				run.Operation,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				run.Status,
				duration,
				run.Message,
			)
		}
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch ID [DIR]",
	Short: "Download an artifact from the mirror",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}

		a, err := newApp(cmd.Context(), "fetch")
		if err != nil {
			return err
		}
		defer a.Close()

		art, err := a.Fetch(cmd.Context(), args[0], dir)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}

		fmt.Printf("Fetched %s\n", art.PayloadPath)
		fmt.Printf("Fetched %s\n", art.KeyPath)
		return nil
	},
}

// mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Manage the offsite mirror",
}

var mirrorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the mirror is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "mirror-check")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckMirror(cmd.Context()); err != nil {
			return fmt.Errorf("mirror check failed: %w", err)
		}
		fmt.Println("Mirror OK")
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().Bool("no-passphrase", false, "Store the private key without a passphrase")

	// mirror subcommands
	mirrorCmd.AddCommand(mirrorCheckCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringP("key", "k", "", "Key ciphertext (default: derived from PAYLOAD)")
	restoreCmd.Flags().StringP("private-key", "i", "", "Private key (default: from config)")
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(mirrorCmd)
}
