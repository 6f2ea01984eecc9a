package types

import (
	"fmt"
	"strings"
)

// Provider identifies a cloud provider
type Provider string

const (
	ProviderAWS          Provider = "aws"
	ProviderAzure        Provider = "azure"
	ProviderGCP          Provider = "gcp"
	ProviderDigitalOcean Provider = "do"
)

// AllProviders lists every supported provider in display order
var AllProviders = []Provider{ProviderAWS, ProviderAzure, ProviderGCP, ProviderDigitalOcean}

// ParseProvider parses a provider identifier, case-insensitive.
// "digitalocean" is accepted as an alias for "do".
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws":
		return ProviderAWS, nil
	case "azure":
		return ProviderAzure, nil
	case "gcp":
		return ProviderGCP, nil
	case "do", "digitalocean":
		return ProviderDigitalOcean, nil
	}
	return "", UnknownProviderError(Provider(s))
}

// String returns the provider identifier
func (p Provider) String() string {
	return string(p)
}

// Valid reports whether p is a supported provider
func (p Provider) Valid() bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// DisplayName returns a human readable provider name
func (p Provider) DisplayName() string {
	switch p {
	case ProviderAWS:
		return "AWS"
	case ProviderAzure:
		return "Azure"
	case ProviderGCP:
		return "GCP"
	case ProviderDigitalOcean:
		return "DigitalOcean"
	}
	return fmt.Sprintf("unknown(%s)", string(p))
}
