// walletkeyctl is the operator CLI for walletkeys: it generates operator
// keys, provisions wallets, and changes or resets payment passwords.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"

	"walletkeys/internal/config"
	"walletkeys/internal/keymgmt"
	"walletkeys/internal/logging"
	"walletkeys/internal/operatorkeys"
	"walletkeys/internal/security"
	"walletkeys/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	logLevel   = flag.String("log-level", "", "override the configured log level")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	if err := security.DisableCoreDumps(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not disable core dumps: %v\n", err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "keygen":
		err = cmdKeygen(args)
	case "status":
		err = cmdStatus()
	case "monitor":
		err = cmdMonitor(args)
	case "provision":
		err = withApp(false, func(a *app) error { return cmdProvision(a, args) })
	case "verify":
		err = withApp(false, func(a *app) error { return cmdVerify(a, args) })
	case "change-password":
		err = withApp(false, func(a *app) error { return cmdChangePassword(a, args) })
	case "reset-password":
		err = withApp(true, func(a *app) error { return cmdResetPassword(a, args) })
	case "archive":
		err = withApp(false, func(a *app) error { return cmdArchive(a, args) })
	case "history":
		err = withApp(false, func(a *app) error { return cmdHistory(a, args) })
	case "verify-history":
		err = withApp(false, cmdVerifyHistory)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `walletkeyctl - Operator utility for walletkeys

Usage: walletkeyctl [options] <command> [args]

Commands:
  keygen [-dir <dir>]                  Generate the global key and recovery key pair
  status                               Check key files, database, history and archive folder
  monitor [-interval <d>]              Re-run the status checks until interrupted,
                                       following log level changes in the config file
  provision <email>                    Create a wallet and its key material for a user
  verify [-show] <email>               Check a payment password against the sealed wallet
  change-password <email>              Re-wrap the master key under a new payment password
  reset-password [-force-password <p>] [-from-archive] [-yes] <email>
                                       Recover the master key and set a new payment password
  archive <email>                      Rewrite the user's recovery archive file
  history <email>                      Print the user's key ceremony history
  verify-history                       Check the integrity of the event history
  help                                 Show this help message

Options:
  -config <path>     Path to config file (default: ~/.local/share/walletkeys/config.toml)
  -log-level <lvl>   Override the configured log level`)
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	return cfg, nil
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSizeMB:  int64(lc.MaxSizeMB),
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
		Component:  "walletkeys",
	})
}

func newAuditLogger(lc config.LoggingConfig) (*logging.AuditLogger, error) {
	if lc.AuditPath == "" {
		return nil, nil
	}
	ac := logging.DefaultAuditConfig()
	ac.FilePath = lc.AuditPath
	ac.Compress = lc.Compress
	return logging.NewAuditLogger(ac)
}

// withApp runs fn against a fully wired app and tears it down afterwards.
func withApp(withRecovery bool, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()
	logging.SetDefault(log)

	audit, err := newAuditLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer audit.Close()

	a, err := openApp(cfg, log, audit, os.Stdout, withRecovery)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	dir := fs.String("dir", "", "directory for the key files (default: directory of crypto.global_key_path)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = filepath.Dir(cfg.Crypto.GlobalKeyPath)
	}

	keys, err := operatorkeys.Generate(*dir)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	if audit, err := newAuditLogger(cfg.Logging); err == nil {
		audit.Record(context.Background(), logging.AuditOperatorKeysCreated, "", nil,
			map[string]any{"dir": *dir, "recovery_fingerprint": keys.Fingerprint()})
		audit.Close()
	}

	paths := operatorkeys.Config(*dir)
	fmt.Println("Operator keys generated:")
	fmt.Printf("  Global key:           %s\n", paths.GlobalKeyPath)
	fmt.Printf("  Recovery public key:  %s\n", paths.RecoveryKeyPath)
	fmt.Printf("  Recovery private key: %s\n", paths.RecoveryPrivateKeyPath)
	fmt.Printf("  Recovery fingerprint: %s\n", keys.Fingerprint())
	fmt.Println()
	fmt.Println("Move the recovery private key offline. Only reset-password needs it.")
	return nil
}

func emailArg(fs *flag.FlagSet, name string) (string, error) {
	if fs.NArg() < 1 {
		return "", fmt.Errorf("usage: walletkeyctl %s <email>", name)
	}
	email := strings.TrimSpace(fs.Arg(0))
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("not an email address: %q", email)
	}
	return email, nil
}

func askPassword(message string) (string, error) {
	var password string
	err := survey.AskOne(&survey.Password{Message: message}, &password, survey.WithValidator(survey.Required))
	return password, err
}

func askNewPassword(message string) (string, error) {
	password, err := askPassword(message)
	if err != nil {
		return "", err
	}
	confirm, err := askPassword("Repeat " + strings.ToLower(message[:1]) + message[1:])
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

func cmdProvision(a *app, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	fs.Parse(args)
	email, err := emailArg(fs, "provision")
	if err != nil {
		return err
	}

	password, err := askNewPassword("Payment password:")
	if err != nil {
		return err
	}

	p, err := a.provision(context.Background(), email, password)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "User ID:       %s\n", p.UserID)
	fmt.Fprintf(a.out, "Wallets:       %d\n", p.WalletCount)
	fmt.Fprintf(a.out, "Recovery file: %s\n", p.ArchivePath)
	return nil
}

func cmdVerify(a *app, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	show := fs.Bool("show", false, "print the mnemonic and salt")
	fs.Parse(args)
	email, err := emailArg(fs, "verify")
	if err != nil {
		return err
	}

	password, err := askPassword("Payment password:")
	if err != nil {
		return err
	}

	mnemonic, salt, err := a.verify(context.Background(), email, password)
	if err != nil {
		if errors.Is(err, keymgmt.ErrIncorrectPaymentPassword) {
			fmt.Fprintln(a.out, "✗ Incorrect payment password")
		}
		return err
	}

	fmt.Fprintln(a.out, "✓ Payment password accepted")
	if *show {
		fmt.Fprintf(a.out, "  Mnemonic: %s\n", mnemonic)
		fmt.Fprintf(a.out, "  Salt:     %s\n", salt)
	}
	return nil
}

func cmdChangePassword(a *app, args []string) error {
	fs := flag.NewFlagSet("change-password", flag.ExitOnError)
	fs.Parse(args)
	email, err := emailArg(fs, "change-password")
	if err != nil {
		return err
	}

	oldPassword, err := askPassword("Current payment password:")
	if err != nil {
		return err
	}
	newPassword, err := askNewPassword("New payment password:")
	if err != nil {
		return err
	}

	if err := a.changePassword(context.Background(), email, oldPassword, newPassword); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("%w; retry the change", err)
		}
		return err
	}
	fmt.Fprintln(a.out, "✓ Payment password changed")
	return nil
}

func cmdResetPassword(a *app, args []string) error {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	force := fs.String("force-password", "", "set this password instead of a random one")
	fromArchive := fs.Bool("from-archive", false, "read the envelope from the recovery archive instead of the record")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	fs.Parse(args)
	email, err := emailArg(fs, "reset-password")
	if err != nil {
		return err
	}

	if !*yes {
		proceed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Reset the payment password of %s?", email),
			Default: false,
		}
		if err := survey.AskOne(prompt, &proceed); err != nil {
			return err
		}
		if !proceed {
			fmt.Fprintln(a.out, "Aborted.")
			return nil
		}
	}

	password, err := a.resetPassword(context.Background(), email, resetOptions{
		ForcePassword: *force,
		FromArchive:   *fromArchive,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "✓ Payment password reset")
	fmt.Fprintf(a.out, "  New password: %s\n", password)
	return nil
}

func cmdArchive(a *app, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	fs.Parse(args)
	email, err := emailArg(fs, "archive")
	if err != nil {
		return err
	}

	path, err := a.writeArchive(context.Background(), email)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Recovery file written: %s\n", path)
	return nil
}

func cmdHistory(a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	fs.Parse(args)
	email, err := emailArg(fs, "history")
	if err != nil {
		return err
	}

	rec, events, err := a.history(context.Background(), email)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "=== Key history for %s (%s) ===\n", rec.Email, rec.UserID)
	fmt.Fprintf(a.out, "Record version %d, %d wallet(s), created %s\n\n",
		rec.Version, rec.WalletCount, rec.CreatedAt.Format("2006-01-02 15:04:05"))

	if len(events) == 0 {
		fmt.Fprintln(a.out, "No events recorded.")
		return nil
	}

	fmt.Fprintf(a.out, "%-6s %-20s %-26s %s\n", "ID", "Time", "Event", "Detail")
	fmt.Fprintln(a.out, strings.Repeat("-", 70))
	for _, e := range events {
		fmt.Fprintf(a.out, "%-6d %-20s %-26s %s\n",
			e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.Detail)
	}
	return nil
}

func cmdVerifyHistory(a *app) error {
	n, err := a.store.VerifyEvents(context.Background())
	if err != nil {
		fmt.Fprintf(a.out, "✗ History verification FAILED after %d event(s)\n", n)
		return err
	}
	fmt.Fprintf(a.out, "✓ %d event(s) verified\n", n)
	return nil
}
