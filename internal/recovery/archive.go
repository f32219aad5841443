// Package recovery writes recovery envelopes out of band, one JSON file per
// user, so that an operator holding the recovery private key can restore a
// master key after the payment password is lost.
//
// Files live at <folder>/<last two chars of name>/<name>, where name is
// FileName(userID, email). The two-character fan-out keeps directories small.
package recovery

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"walletkeys/internal/keycrypto"
	"walletkeys/internal/security"
)

// maxFileSize bounds reads of archive files.
const maxFileSize = 64 * 1024

const schemaURL = "https://walletkeys.local/schema/recovery-envelope.schema.json"

//go:embed schema/recovery-envelope.schema.json
var schemaData []byte

// Errors
var (
	ErrNotFound      = errors.New("recovery: archive file not found")
	ErrInvalidRecord = errors.New("recovery: invalid archive record")
	ErrUserMismatch  = errors.New("recovery: archive belongs to another user")
)

// Record is the on-disk form of an archived recovery envelope. Byte fields
// marshal to standard base64.
type Record struct {
	MAC       []byte `json:"mac"`
	PubKey    []byte `json:"pubkey"`
	Msg       []byte `json:"msg"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
}

// NewRecord attaches the owner to an envelope.
func NewRecord(env *keycrypto.Envelope, userID, email string) *Record {
	return &Record{
		MAC:       env.MAC,
		PubKey:    env.PubKey,
		Msg:       env.Msg,
		UserID:    userID,
		UserEmail: email,
	}
}

// Envelope returns the ECIES envelope part of the record.
func (r *Record) Envelope() *keycrypto.Envelope {
	return &keycrypto.Envelope{MAC: r.MAC, PubKey: r.PubKey, Msg: r.Msg}
}

// FileName returns the archive file name for a user:
// userID + "_" + the first 24 hex characters of SHA-256(email).
func FileName(userID, email string) string {
	sum := keycrypto.SHA256([]byte(email))
	return userID + "_" + hex.EncodeToString(sum)[:24]
}

// Archive is a folder of recovery files.
type Archive struct {
	folder string
	schema *jsonschema.Schema
}

// NewArchive returns an archive rooted at folder. When validate is set,
// records are checked against the embedded JSON schema on Save and Load.
func NewArchive(folder string, validate bool) (*Archive, error) {
	if folder == "" {
		return nil, fmt.Errorf("recovery: %w: empty folder", security.ErrInvalidPath)
	}

	a := &Archive{folder: filepath.Clean(folder)}
	if validate {
		schema, err := compileSchema()
		if err != nil {
			return nil, err
		}
		a.schema = schema
	}
	return a, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("recovery: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("recovery: compile schema: %w", err)
	}
	return schema, nil
}

// Folder returns the archive root.
func (a *Archive) Folder() string {
	return a.folder
}

// Path returns where the record for (userID, email) is stored.
func (a *Archive) Path(userID, email string) string {
	name := FileName(userID, email)
	return filepath.Join(a.folder, name[len(name)-2:], name)
}

// Save writes rec to its archive path and returns the path. An existing
// file for the same user is replaced.
func (a *Archive) Save(rec *Record) (string, error) {
	if rec == nil || rec.UserID == "" || rec.UserEmail == "" {
		return "", fmt.Errorf("%w: user id and email are required", ErrInvalidRecord)
	}
	if strings.ContainsAny(rec.UserID, `/\`) {
		return "", fmt.Errorf("%w: user id contains a path separator", ErrInvalidRecord)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("recovery: marshal record: %w", err)
	}
	if err := a.validate(data); err != nil {
		return "", err
	}

	path := a.Path(rec.UserID, rec.UserEmail)
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("recovery: prepare directory: %w", err)
	}
	if err := security.WriteSecretFile(path, data); err != nil {
		return "", fmt.Errorf("recovery: write %s: %w", path, err)
	}
	return path, nil
}

// Load reads the record for (userID, email). The stored owner must match.
func (a *Archive) Load(userID, email string) (*Record, error) {
	path := a.Path(userID, email)
	rec, err := a.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID || !strings.EqualFold(rec.UserEmail, email) {
		return nil, fmt.Errorf("%w: %s", ErrUserMismatch, path)
	}
	return rec, nil
}

// LoadFile reads and validates the record at path.
func (a *Archive) LoadFile(path string) (*Record, error) {
	data, err := security.ReadSecretFile(path, maxFileSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("recovery: read %s: %w", path, err)
	}

	if err := a.validate(data); err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(rec.MAC) == 0 || len(rec.PubKey) == 0 || len(rec.Msg) == 0 {
		return nil, fmt.Errorf("%w: envelope has empty fields", ErrInvalidRecord)
	}
	return &rec, nil
}

func (a *Archive) validate(data []byte) error {
	if a.schema == nil {
		return nil
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := a.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
