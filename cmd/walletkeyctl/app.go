package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"walletkeys/internal/config"
	"walletkeys/internal/keycrypto"
	"walletkeys/internal/keymgmt"
	"walletkeys/internal/logging"
	"walletkeys/internal/operatorkeys"
	"walletkeys/internal/recovery"
	"walletkeys/internal/store"
)

// app wires the operator keys, the key manager, the record store and the
// recovery archive for one CLI invocation.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	audit   *logging.AuditLogger
	keys    *operatorkeys.Keys
	mgr     *keymgmt.Manager
	store   *store.Store
	archive *recovery.Archive
	out     io.Writer
}

// openApp loads the operator keys and opens storage. The recovery private
// key is only read when withRecovery is set.
func openApp(cfg *config.Config, log *logging.Logger, audit *logging.AuditLogger, out io.Writer, withRecovery bool) (*app, error) {
	cryptoCfg := cfg.Crypto
	if !withRecovery {
		cryptoCfg.RecoveryPrivateKeyPath = ""
	} else if cryptoCfg.RecoveryPrivateKeyPath == "" {
		return nil, fmt.Errorf("%w: set crypto.recovery_private_key_path", keymgmt.ErrNoRecoveryKey)
	}

	keys, err := operatorkeys.Load(cryptoCfg)
	if err != nil {
		return nil, err
	}
	audit.Record(context.Background(), logging.AuditOperatorKeysLoaded, "", nil,
		map[string]any{"recovery_fingerprint": keys.Fingerprint(), "can_recover": withRecovery})

	mgr, err := keys.Manager(keymgmt.WithLogger(log), keymgmt.WithAuditLogger(audit))
	if err != nil {
		keys.Destroy()
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path,
		store.WithBusyTimeout(cfg.Storage.BusyTimeoutMs),
		store.WithIntegrityKey(keys.IntegrityKey()))
	if err != nil {
		keys.Destroy()
		return nil, err
	}

	archive, err := recovery.NewArchive(cfg.Recovery.Folder, cfg.Recovery.ValidateSchema)
	if err != nil {
		st.Close()
		keys.Destroy()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log.WithComponent("walletkeyctl"),
		audit:   audit,
		keys:    keys,
		mgr:     mgr,
		store:   st,
		archive: archive,
		out:     out,
	}, nil
}

func (a *app) Close() error {
	a.mgr.Destroy()
	a.keys.Destroy()
	return a.store.Close()
}

func (a *app) event(ctx context.Context, userID string, typ logging.AuditEventType, detail string) {
	if err := a.store.AppendEvent(ctx, &store.KeyEvent{UserID: userID, Type: string(typ), Detail: detail}); err != nil {
		a.log.Warn("event history write failed", "event", string(typ), "error", err)
	}
}

// provisioned is the outcome of provision.
type provisioned struct {
	UserID      string
	ArchivePath string
	WalletCount int
}

// provision creates a wallet for a new user: master key, wrapped security
// key, sealed mnemonic and salt, and the recovery envelope. The envelope is
// kept twice: sealed under the global key in the record, and in clear
// ECIES form in the archive folder.
func (a *app) provision(ctx context.Context, email, password string) (*provisioned, error) {
	ws, err := a.mgr.ProvisionWallet(password)
	if err != nil {
		return nil, err
	}

	sealedEnv, err := a.mgr.SealArchiveFields(ws.Recovery)
	if err != nil {
		return nil, err
	}
	envJSON, err := json.Marshal(sealedEnv)
	if err != nil {
		return nil, fmt.Errorf("encode recovery envelope: %w", err)
	}

	rec := &store.KeyRecord{
		UserID:           uuid.NewString(),
		Email:            email,
		SecurityKey:      ws.SecurityKey,
		SealedMnemonic:   ws.SealedMnemonic,
		SealedSalt:       ws.SealedSalt,
		RecoveryEnvelope: string(envJSON),
	}
	if err := a.store.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}

	count, err := a.store.IncrementWalletCount(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	a.event(ctx, rec.UserID, logging.AuditWalletProvisioned, fmt.Sprintf("wallet %d", count))

	path, err := a.archive.Save(recovery.NewRecord(ws.Recovery, rec.UserID, rec.Email))
	if err != nil {
		return nil, fmt.Errorf("record stored but recovery archive failed (rerun archive): %w", err)
	}
	a.audit.Record(ctx, logging.AuditArchiveWritten, rec.UserID, nil, map[string]any{"path": path})
	a.event(ctx, rec.UserID, logging.AuditArchiveWritten, "")

	a.log.Info("wallet provisioned", "user_id", rec.UserID, "archive", path)
	return &provisioned{UserID: rec.UserID, ArchivePath: path, WalletCount: count}, nil
}

// verify opens the user's wallet secrets with password.
func (a *app) verify(ctx context.Context, email, password string) (mnemonic, salt string, err error) {
	rec, err := a.store.GetRecordByEmail(ctx, email)
	if err != nil {
		return "", "", err
	}

	mnemonic, salt, err = a.mgr.UnlockWallet(password, rec.SecurityKey, rec.SealedMnemonic, rec.SealedSalt)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	a.event(ctx, rec.UserID, logging.AuditWalletUnlocked, result)
	return mnemonic, salt, err
}

// changePassword re-wraps the user's master key under newPassword.
func (a *app) changePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	rec, err := a.store.GetRecordByEmail(ctx, email)
	if err != nil {
		return err
	}

	securityKey, err := a.mgr.ChangePaymentPassword(oldPassword, newPassword, rec.SecurityKey, rec.SealedMnemonic)
	if err != nil {
		if errors.Is(err, keymgmt.ErrInvalidOldPassword) {
			a.event(ctx, rec.UserID, logging.AuditPasswordChanged, "rejected")
		}
		return err
	}

	version, err := a.store.UpdateSecurityKey(ctx, rec.UserID, securityKey, rec.Version)
	if err != nil {
		return err
	}
	a.event(ctx, rec.UserID, logging.AuditPasswordChanged, fmt.Sprintf("version %d", version))
	return nil
}

// resetOptions selects the envelope source and the new password.
type resetOptions struct {
	ForcePassword string
	FromArchive   bool
}

// resetPassword recovers the user's master key through the recovery
// envelope and wraps it under a new password, which it returns.
func (a *app) resetPassword(ctx context.Context, email string, opts resetOptions) (string, error) {
	if !a.mgr.CanRecover() {
		return "", keymgmt.ErrNoRecoveryKey
	}

	rec, err := a.store.GetRecordByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	env, err := a.recoveryEnvelope(rec, opts.FromArchive)
	if err != nil {
		return "", err
	}

	password := opts.ForcePassword
	if password == "" {
		password, err = keymgmt.GenerateResetPassword()
		if err != nil {
			return "", err
		}
	}

	securityKey, err := a.mgr.ResetPaymentPassword(env, password, rec.SealedMnemonic)
	if err != nil {
		return "", err
	}

	version, err := a.store.UpdateSecurityKey(ctx, rec.UserID, securityKey, rec.Version)
	if err != nil {
		return "", err
	}

	source := "record"
	if opts.FromArchive {
		source = "archive"
	}
	a.event(ctx, rec.UserID, logging.AuditPasswordReset, fmt.Sprintf("version %d from %s", version, source))
	a.log.Info("payment password reset", "user_id", rec.UserID, "source", source)
	return password, nil
}

func (a *app) recoveryEnvelope(rec *store.KeyRecord, fromArchive bool) (*keycrypto.Envelope, error) {
	if fromArchive {
		r, err := a.archive.Load(rec.UserID, rec.Email)
		if err != nil {
			return nil, err
		}
		return r.Envelope(), nil
	}

	if rec.RecoveryEnvelope == "" {
		return nil, fmt.Errorf("no recovery envelope stored for %s", rec.Email)
	}
	sealed, err := keycrypto.ParseEnvelope([]byte(rec.RecoveryEnvelope))
	if err != nil {
		return nil, err
	}
	return a.mgr.OpenArchiveFields(sealed)
}

// writeArchive rewrites the user's archive file from the sealed envelope in
// the record, e.g. after the archive folder was lost.
func (a *app) writeArchive(ctx context.Context, email string) (string, error) {
	rec, err := a.store.GetRecordByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	env, err := a.recoveryEnvelope(rec, false)
	if err != nil {
		return "", err
	}

	path, err := a.archive.Save(recovery.NewRecord(env, rec.UserID, rec.Email))
	a.audit.Record(ctx, logging.AuditArchiveWritten, rec.UserID, err, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	a.event(ctx, rec.UserID, logging.AuditArchiveWritten, "rewritten")
	return path, nil
}

// history returns the user's events, oldest first.
func (a *app) history(ctx context.Context, email string) (*store.KeyRecord, []store.KeyEvent, error) {
	rec, err := a.store.GetRecordByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	events, err := a.store.ListEvents(ctx, rec.UserID)
	if err != nil {
		return nil, nil, err
	}
	return rec, events, nil
}
