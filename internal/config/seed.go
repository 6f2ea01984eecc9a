package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cloudwatcher/types"
)

// SeedAccount is one entry of an account import file
type SeedAccount struct {
	ID          string            `yaml:"id,omitempty"`
	Name        string            `yaml:"name"`
	Provider    types.Provider    `yaml:"provider"`
	Disabled    bool              `yaml:"disabled,omitempty"`
	Credentials map[string]string `yaml:"credentials"`
}

type seedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadSeed reads an account import file. ${VAR} references in credential
// values are expanded from the environment.
func LoadSeed(path string) ([]SeedAccount, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed accepts either a top-level list or an {accounts: [...]} document
func ParseSeed(data []byte) ([]SeedAccount, error) {
	var accounts []SeedAccount
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-")) {
		if err := yaml.Unmarshal(data, &accounts); err != nil {
			return nil, fmt.Errorf("parse seed file: %w", err)
		}
	} else {
		var doc seedFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse seed file: %w", err)
		}
		accounts = doc.Accounts
	}

	for i := range accounts {
		acct := &accounts[i]
		if strings.TrimSpace(acct.Name) == "" {
			return nil, fmt.Errorf("account %d: name is required", i+1)
		}
		p, err := types.ParseProvider(string(acct.Provider))
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acct.Name, err)
		}
		acct.Provider = p
		for k, v := range acct.Credentials {
			acct.Credentials[k] = os.ExpandEnv(v)
		}
	}
	return accounts, nil
}
