// Package accounts registers and manages cloud accounts. Credentials are
// validated against the provider's field set and encrypted before they
// reach the store.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/cloudwatcher/internal/config"
	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/storage"
	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
	"github.com/yairfalse/cloudwatcher/vault"
	"github.com/yairfalse/cloudwatcher/wal"
)

// ErrInvalid marks a malformed account request
var ErrInvalid = errors.New("invalid account request")

// Journal receives account lifecycle events. *wal.WAL satisfies it.
type Journal interface {
	Append(entryType wal.EntryType, subject string, data interface{}) error
}

// CreateRequest registers a new account
type CreateRequest struct {
	Name        string            `json:"name"`
	Provider    string            `json:"provider" binding:"required"`
	Credentials map[string]string `json:"credentials" binding:"required"`
	Disabled    bool              `json:"disabled"`
}

// UpdateRequest changes the mutable account fields. Nil leaves a field as is.
type UpdateRequest struct {
	Name     *string `json:"name"`
	Disabled *bool   `json:"disabled"`
}

// ImportResult summarises a seed file import
type ImportResult struct {
	Created []types.Account `json:"created"`
	// Existing are names skipped because an account with the same name
	// and provider is already registered
	Existing []string `json:"existing,omitempty"`
}

// Service manages accounts
type Service struct {
	store    storage.AccountStore
	registry *providers.Registry
	codec    vault.Codec
	journal  Journal
	logger   *telemetry.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Service
type Option func(*Service)

// WithJournal records account lifecycle events
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithClock overrides time.Now for CreatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides uuid account ids
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates an account service. A nil codec stores credentials
// as plaintext JSON.
func NewService(store storage.AccountStore, registry *providers.Registry, codec vault.Codec, opts ...Option) *Service {
	if codec == nil {
		codec = vault.Plaintext{}
	}
	s := &Service{
		store:    store,
		registry: registry,
		codec:    codec,
		logger:   telemetry.NewLogger("accounts"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, encrypts and stores a new account
func (s *Service) Create(ctx context.Context, req CreateRequest) (types.Account, error) {
	return s.create(ctx, s.newID(), req)
}

func (s *Service) create(ctx context.Context, id string, req CreateRequest) (types.Account, error) {
	p, err := types.ParseProvider(req.Provider)
	if err != nil {
		return types.Account{}, err
	}

	creds := make(providers.Credentials, len(req.Credentials))
	for k, v := range req.Credentials {
		creds[k] = strings.TrimSpace(v)
	}
	if err := s.registry.Validate(p, creds); err != nil {
		return types.Account{}, err
	}

	blob, err := s.codec.Encrypt(creds)
	if err != nil {
		return types.Account{}, fmt.Errorf("encrypt credentials: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = string(p) + "-account"
	}
	status := types.AccountConnected
	if req.Disabled {
		status = types.AccountDisabled
	}

	acct := types.Account{
		ID:          id,
		Name:        name,
		Provider:    p,
		Credentials: blob,
		Status:      status,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return types.Account{}, err
	}

	s.record(ctx, wal.EntryAccountCreated, acct.ID, map[string]any{"provider": p, "name": name})
	s.logger.WithContext(ctx).Info().
		Str("account_id", acct.ID).
		Str("provider", string(p)).
		Msg("account registered")
	return acct, nil
}

// Import creates every seed account not registered yet
func (s *Service) Import(ctx context.Context, seeds []config.SeedAccount) (ImportResult, error) {
	existing, err := s.store.ListAccounts(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	known := make(map[string]bool, len(existing))
	for _, a := range existing {
		known[string(a.Provider)+"|"+a.Name] = true
	}

	result := ImportResult{Created: []types.Account{}}
	for _, seed := range seeds {
		if known[string(seed.Provider)+"|"+seed.Name] {
			result.Existing = append(result.Existing, seed.Name)
			continue
		}

		req := CreateRequest{
			Name:        seed.Name,
			Provider:    string(seed.Provider),
			Credentials: seed.Credentials,
			Disabled:    seed.Disabled,
		}
		id := seed.ID
		if id == "" {
			id = s.newID()
		}
		acct, err := s.create(ctx, id, req)
		if err != nil {
			return result, fmt.Errorf("import %q: %w", seed.Name, err)
		}
		known[string(acct.Provider)+"|"+acct.Name] = true
		result.Created = append(result.Created, acct)
	}
	return result, nil
}

// Get returns one account
func (s *Service) Get(ctx context.Context, id string) (types.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns every account
func (s *Service) List(ctx context.Context) ([]types.Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []types.Account{}
	}
	return accounts, nil
}

// Update applies a rename and/or enable toggle
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (types.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return types.Account{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return types.Account{}, fmt.Errorf("account name must not be empty: %w", ErrInvalid)
		}
		acct.Name = name
		if err := s.store.UpdateAccount(ctx, acct); err != nil {
			return types.Account{}, err
		}
	}

	if req.Disabled != nil {
		return s.SetDisabled(ctx, id, *req.Disabled)
	}
	return acct, nil
}

// SetDisabled excludes or re-includes an account in syncs. Re-enabled
// accounts report connected until their next sync.
func (s *Service) SetDisabled(ctx context.Context, id string, disabled bool) (types.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return types.Account{}, err
	}
	if acct.IsDisabled() == disabled {
		return acct, nil
	}

	status, entry := types.AccountConnected, wal.EntryAccountEnabled
	if disabled {
		status, entry = types.AccountDisabled, wal.EntryAccountDisabled
	}
	if err := s.store.UpdateAccountStatus(ctx, id, types.AccountStatusUpdate{Status: status}); err != nil {
		return types.Account{}, err
	}
	s.record(ctx, entry, id, map[string]any{"status": status})

	acct.Status = status
	return acct, nil
}

// Delete removes the account together with its instances and
// recommendations
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.record(ctx, wal.EntryAccountDeleted, id, nil)
	return nil
}

// IsNotFound reports whether err means the account does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func (s *Service) record(ctx context.Context, entryType wal.EntryType, id string, data any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(entryType, id, data); err != nil {
		s.logger.WithContext(ctx).Warn().
			Err(err).
			Str("type", string(entryType)).
			Str("account_id", id).
			Msg("failed to write audit entry")
	}
}
