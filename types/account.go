package types

import (
	"encoding/json"
	"time"
)

// AccountStatus is the sync lifecycle status of a cloud account
type AccountStatus string

const (
	AccountConnected AccountStatus = "connected"
	AccountSyncing   AccountStatus = "syncing"
	AccountError     AccountStatus = "error"
	AccountDisabled  AccountStatus = "disabled"
)

// Account is a registered cloud provider account.
// Credentials holds the encrypted blob produced by the vault and is never
// serialized back to API clients.
type Account struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Provider      Provider      `json:"provider"`
	Credentials   string        `json:"-"`
	Status        AccountStatus `json:"status"`
	LastCheckedAt *time.Time    `json:"last_checked_at,omitempty"`
	LastSyncAt    *time.Time    `json:"last_sync_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	InstanceCount int           `json:"instance_count"`
	CreatedAt     time.Time     `json:"created_at"`
}

// IsDisabled reports whether the account is excluded from syncs
func (a *Account) IsDisabled() bool {
	return a.Status == AccountDisabled
}

// DisplayName returns the account name, falling back to the id
func (a *Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// AccountStatusUpdate carries the fields the orchestrator may change.
// Nil pointers leave the stored value untouched.
type AccountStatusUpdate struct {
	Status        AccountStatus
	Error         *string
	LastCheckedAt *time.Time
	LastSyncAt    *time.Time
	InstanceCount *int
}

// Apply writes the update onto the account
func (u AccountStatusUpdate) Apply(a *Account) {
	if u.Status != "" {
		a.Status = u.Status
	}
	if u.Error != nil {
		a.LastError = *u.Error
	}
	if u.LastCheckedAt != nil {
		t := *u.LastCheckedAt
		a.LastCheckedAt = &t
	}
	if u.LastSyncAt != nil {
		t := *u.LastSyncAt
		a.LastSyncAt = &t
	}
	if u.InstanceCount != nil {
		a.InstanceCount = *u.InstanceCount
	}
}

// accountEnvelope is the storage shape, which keeps the credentials blob
type accountEnvelope struct {
	Account
	Credentials string `json:"credentials"`
}

// MarshalStored encodes the account including its credentials blob
func (a Account) MarshalStored() ([]byte, error) {
	return json.Marshal(accountEnvelope{Account: a, Credentials: a.Credentials})
}

// UnmarshalStoredAccount decodes an account written by MarshalStored
func UnmarshalStoredAccount(data []byte) (Account, error) {
	var env accountEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Account{}, err
	}
	acct := env.Account
	acct.Credentials = env.Credentials
	return acct, nil
}
