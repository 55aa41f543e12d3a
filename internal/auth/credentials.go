// Package auth owns credentials and bearer tokens: who a caller is and how
// that identity is proven on each request.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/spintel/analytics-server/infrastructure/crypto"
	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/logging"
)

const (
	// RoleAdmin can list and delete users.
	RoleAdmin = "admin"
	// RoleUser is the default tenant role.
	RoleUser = "user"

	minPasswordRunes   = 8
	credentialsFile    = "credentials.enc"
	credentialsSchema  = 1
	historyUserCreated = "user-created"
)

// usernames become file names, so the accepted alphabet is strict.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Credential is one stored identity. The password hash never leaves this
// package and the plaintext never enters it beyond the bcrypt call.
type Credential struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserInfo is the hash-free view returned to admin callers.
type UserInfo struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantHooks lets the credential store notify the data layer about account
// lifecycle without importing it.
type TenantHooks interface {
	RecordHistory(owner, action string)
	DropTenant(owner string) error
}

type credentialsBody struct {
	Schema      int          `json:"schema"`
	Credentials []Credential `json:"credentials"`
}

type fileEnvelope struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce,omitempty"`
	Tag        []byte `json:"tag,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	// Plaintext carries the body when encryption is disabled (development).
	Plaintext json.RawMessage `json:"plaintext,omitempty"`
}

// CredentialStore owns the username → Credential mapping and the bootstrap
// administrator invariant. Every mutation re-seals the whole mapping to disk.
type CredentialStore struct {
	mu        sync.Mutex
	creds     map[string]Credential
	path      string
	key       []byte
	encrypt   bool
	bootstrap string
	hooks     TenantHooks
	log       *logging.Logger

	// dummyHash keeps authenticate timing flat for unknown users.
	dummyHash []byte
}

// CredentialStoreOptions configures OpenCredentialStore.
type CredentialStoreOptions struct {
	DataDir          string
	Key              []byte
	EnableEncryption bool
	AdminUsername    string
	AdminPassword    string
	Hooks            TenantHooks
	Logger           *logging.Logger
}

// OpenCredentialStore loads the sealed credentials file, creating it with the
// bootstrap administrator when absent. A file that fails to decrypt or
// validate is fatal; the operator is expected to restore a backup.
func OpenCredentialStore(opts CredentialStoreOptions) (*CredentialStore, error) {
	if opts.AdminUsername == "" || opts.AdminPassword == "" {
		return nil, fmt.Errorf("bootstrap admin username and password are required")
	}
	if !usernamePattern.MatchString(opts.AdminUsername) {
		return nil, fmt.Errorf("bootstrap admin username %q is not a valid username", opts.AdminUsername)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("timing-equalizer-dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}

	s := &CredentialStore{
		creds:     make(map[string]Credential),
		path:      filepath.Join(opts.DataDir, credentialsFile),
		key:       opts.Key,
		encrypt:   opts.EnableEncryption,
		bootstrap: opts.AdminUsername,
		hooks:     opts.Hooks,
		log:       opts.Logger,
		dummyHash: dummy,
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		if err := s.createBootstrapAdmin(opts.AdminPassword); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read credentials file: %w", err)
	default:
		if err := s.load(raw); err != nil {
			return nil, fmt.Errorf("credentials file %s: %w", s.path, err)
		}
		if _, ok := s.creds[s.bootstrap]; !ok {
			if err := s.createBootstrapAdmin(opts.AdminPassword); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

func (s *CredentialStore) createBootstrapAdmin(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	s.creds[s.bootstrap] = Credential{
		Username:     s.bootstrap,
		PasswordHash: hash,
		Role:         RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.save(); err != nil {
		return fmt.Errorf("persist bootstrap admin: %w", err)
	}
	if s.log != nil {
		s.log.WithFields(map[string]interface{}{"username": s.bootstrap}).Info("bootstrap admin created")
	}
	return nil
}

func (s *CredentialStore) load(raw []byte) error {
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != 1 {
		return fmt.Errorf("unsupported envelope version %d", env.Version)
	}

	var plaintext []byte
	if len(env.Ciphertext) > 0 {
		var err error
		plaintext, err = crypto.Open(s.key, crypto.Envelope{
			Nonce:      env.Nonce,
			Tag:        env.Tag,
			Ciphertext: env.Ciphertext,
		})
		if err != nil {
			return err
		}
	} else {
		plaintext = env.Plaintext
	}

	var body credentialsBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	if body.Schema != credentialsSchema {
		return fmt.Errorf("unsupported schema %d", body.Schema)
	}

	for _, c := range body.Credentials {
		if c.Username == "" || len(c.PasswordHash) == 0 {
			return fmt.Errorf("credential entry missing username or hash")
		}
		s.creds[c.Username] = c
	}
	return nil
}

// save re-seals the full mapping and atomically replaces the file.
// Callers must hold s.mu (or be in single-threaded startup).
func (s *CredentialStore) save() error {
	list := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })

	plaintext, err := json.Marshal(credentialsBody{Schema: credentialsSchema, Credentials: list})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	env := fileEnvelope{Version: 1}
	if s.encrypt {
		sealed, err := crypto.Seal(s.key, plaintext)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		env.Nonce = sealed.Nonce
		env.Tag = sealed.Tag
		env.Ciphertext = sealed.Ciphertext
	} else {
		env.Plaintext = plaintext
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}

// Register creates a new credential with the user role.
func (s *CredentialStore) Register(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return apperrors.Invalid("username", "must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	if utf8.RuneCountInString(password) < minPasswordRunes {
		return apperrors.Invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordRunes))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Internal("hash password", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[username]; exists {
		return apperrors.Conflict("username already exists")
	}

	s.creds[username] = Credential{
		Username:     username,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.save(); err != nil {
		delete(s.creds, username)
		return apperrors.Internal("persist credentials", err)
	}

	if s.hooks != nil {
		s.hooks.RecordHistory(username, historyUserCreated)
	}
	return nil
}

// Authenticate verifies a username/password pair. A missing user still pays
// for one hash comparison so response timing does not reveal existence.
func (s *CredentialStore) Authenticate(username, password string) (Credential, error) {
	s.mu.Lock()
	cred, ok := s.creds[username]
	s.mu.Unlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return Credential{}, apperrors.Unauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		return Credential{}, apperrors.Unauthorized("invalid credentials")
	}
	return cred, nil
}

// List returns all credentials without hashes, sorted by username.
func (s *CredentialStore) List() []UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UserInfo, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, UserInfo{Username: c.Username, Role: c.Role, CreatedAt: c.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Delete removes a credential and asks the data layer to drop the tenant.
// The bootstrap admin cannot be deleted.
func (s *CredentialStore) Delete(username string) error {
	if username == s.bootstrap {
		return apperrors.Forbidden("bootstrap admin cannot be deleted")
	}

	s.mu.Lock()
	cred, ok := s.creds[username]
	if !ok {
		s.mu.Unlock()
		return apperrors.NotFound("user")
	}
	delete(s.creds, username)
	if err := s.save(); err != nil {
		s.creds[username] = cred
		s.mu.Unlock()
		return apperrors.Internal("persist credentials", err)
	}
	s.mu.Unlock()

	if s.hooks != nil {
		if err := s.hooks.DropTenant(username); err != nil && s.log != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{"username": username}).
				Warn("drop tenant after delete")
		}
	}
	return nil
}

// BootstrapAdmin returns the protected administrator username.
func (s *CredentialStore) BootstrapAdmin() string {
	return s.bootstrap
}
