package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/types"
)

type stubConnector struct {
	provider types.Provider
}

func (s *stubConnector) Provider() types.Provider { return s.provider }

func (s *stubConnector) RequiredFields() []string { return RequiredFields(s.provider) }

func (s *stubConnector) ListInstances(ctx context.Context, creds Credentials) ([]types.Instance, error) {
	return nil, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(&stubConnector{provider: types.ProviderGCP}, &stubConnector{provider: types.ProviderAWS})

	c, err := reg.Resolve(types.ProviderAWS)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderAWS, c.Provider())

	_, err = reg.Resolve(types.ProviderAzure)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnknownProvider))

	assert.Equal(t, []types.Provider{types.ProviderAWS, types.ProviderGCP}, reg.Providers())
}

func TestValidateListsAllMissingFields(t *testing.T) {
	err := Validate(types.ProviderAzure, Credentials{"tenant_id": "t", "client_id": "  "})
	require.Error(t, err)

	var se *types.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, types.KindValidation, se.Kind)
	assert.Equal(t, []string{"client_id", "client_secret", "subscription_id"}, se.Missing)
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name     string
		provider types.Provider
		creds    Credentials
	}{
		{"aws", types.ProviderAWS, Credentials{"access_key_id": "AK", "secret_access_key": "SK", "region": "us-east-1"}},
		{"gcp", types.ProviderGCP, Credentials{"project_id": "p", "service_account_json": "{}"}},
		{"do", types.ProviderDigitalOcean, Credentials{"token": "dop_v1_x", "extra": "ignored"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Validate(tt.provider, tt.creds))
		})
	}
}

func TestValidateUnknownProvider(t *testing.T) {
	err := Validate(types.Provider("oracle"), Credentials{})
	assert.Equal(t, types.KindUnknownProvider, types.KindOf(err))
}

func TestRegistryValidateRequiresConnector(t *testing.T) {
	reg := NewRegistry(&stubConnector{provider: types.ProviderDigitalOcean})

	err := reg.Validate(types.ProviderAWS, Credentials{"access_key_id": "a", "secret_access_key": "b", "region": "c"})
	assert.Equal(t, types.KindUnknownProvider, types.KindOf(err))
	assert.NoError(t, reg.Validate(types.ProviderDigitalOcean, Credentials{"token": "t"}))
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"access_key_id", "secret_access_key", "region"}, RequiredFields(types.ProviderAWS))
	assert.Equal(t, []string{"token"}, RequiredFields(types.ProviderDigitalOcean))
	assert.Nil(t, RequiredFields("nope"))
}

func TestAWSRegionList(t *testing.T) {
	c := AWSCredentials{Region: "us-east-1", Regions: "eu-west-1, us-east-1,,ap-south-1"}
	assert.Equal(t, []string{"us-east-1", "eu-west-1", "ap-south-1"}, c.RegionList())
}
