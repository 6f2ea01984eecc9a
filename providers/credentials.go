package providers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/yairfalse/cloudwatcher/types"
)

// Credentials is the decrypted credential map of one account
type Credentials map[string]string

// AWSCredentials for EC2 access. Regions is an optional comma separated
// list; when empty only Region is scanned.
type AWSCredentials struct {
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required"`
	Region          string `mapstructure:"region" validate:"required"`
	Regions         string `mapstructure:"regions"`
	SessionToken    string `mapstructure:"session_token"`
}

// RegionList returns the regions to scan, deduplicated, Region first
func (c AWSCredentials) RegionList() []string {
	seen := map[string]bool{c.Region: true}
	out := []string{c.Region}
	for _, r := range strings.Split(c.Regions, ",") {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// AzureCredentials for a service principal
type AzureCredentials struct {
	TenantID       string `mapstructure:"tenant_id" validate:"required"`
	ClientID       string `mapstructure:"client_id" validate:"required"`
	ClientSecret   string `mapstructure:"client_secret" validate:"required"`
	SubscriptionID string `mapstructure:"subscription_id" validate:"required"`
}

// GCPCredentials for a service account
type GCPCredentials struct {
	ProjectID          string `mapstructure:"project_id" validate:"required"`
	ServiceAccountJSON string `mapstructure:"service_account_json" validate:"required"`
}

// DigitalOceanCredentials for a personal access token
type DigitalOceanCredentials struct {
	Token string `mapstructure:"token" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
	})
	return v
}

func credentialSchema(p types.Provider) (any, bool) {
	switch p {
	case types.ProviderAWS:
		return &AWSCredentials{}, true
	case types.ProviderAzure:
		return &AzureCredentials{}, true
	case types.ProviderGCP:
		return &GCPCredentials{}, true
	case types.ProviderDigitalOcean:
		return &DigitalOceanCredentials{}, true
	}
	return nil, false
}

// Decode copies creds into the typed struct out and validates it.
// Values are trimmed, so whitespace-only fields count as missing.
func Decode(p types.Provider, creds Credentials, out any) error {
	trimmed := make(map[string]string, len(creds))
	for k, v := range creds {
		trimmed[k] = strings.TrimSpace(v)
	}
	if err := mapstructure.Decode(trimmed, out); err != nil {
		return types.NewCredentialsError("decode credentials", err)
	}

	err := validate.Struct(out)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewCredentialsError("validate credentials", err)
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return types.NewValidationError(p, missing)
}

// Validate checks creds against the provider's field set before any I/O.
// The returned error names every missing field.
func Validate(p types.Provider, creds Credentials) error {
	schema, ok := credentialSchema(p)
	if !ok {
		return types.UnknownProviderError(p)
	}
	return Decode(p, creds, schema)
}

// RequiredFields returns the mandatory credential keys for p
func RequiredFields(p types.Provider) []string {
	schema, ok := credentialSchema(p)
	if !ok {
		return nil
	}
	t := reflect.TypeOf(schema).Elem()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if strings.Contains(f.Tag.Get("validate"), "required") {
			out = append(out, f.Tag.Get("mapstructure"))
		}
	}
	return out
}
