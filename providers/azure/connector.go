// Package azure lists virtual machines through the Azure Resource Manager
// REST API using a service principal.
package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/types"
)

const (
	defaultManagementURL = "https://management.azure.com"
	defaultAuthorityURL  = "https://login.microsoftonline.com"
	apiVersion           = "2024-07-01"
	managementScope      = "https://management.azure.com/.default"
)

// Connector lists VMs for one subscription
type Connector struct {
	managementURL string
	authorityURL  string
	httpClient    *http.Client
	now           func() time.Time
}

// Option configures the connector
type Option func(*Connector)

// WithEndpoints overrides the ARM and login base URLs
func WithEndpoints(management, authority string) Option {
	return func(c *Connector) {
		c.managementURL = strings.TrimRight(management, "/")
		c.authorityURL = strings.TrimRight(authority, "/")
	}
}

// WithHTTPClient sets the base client used for token and API calls
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.httpClient = client }
}

// WithClock sets the fetch time source
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates an Azure connector
func New(opts ...Option) *Connector {
	c := &Connector{
		managementURL: defaultManagementURL,
		authorityURL:  defaultAuthorityURL,
		httpClient:    http.DefaultClient,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider identifier.
func (c *Connector) Provider() types.Provider {
	return types.ProviderAzure
}

// RequiredFields returns the mandatory credential keys.
func (c *Connector) RequiredFields() []string {
	return providers.RequiredFields(types.ProviderAzure)
}

type vmList struct {
	Value    []virtualMachine `json:"value"`
	NextLink string           `json:"nextLink"`
}

type virtualMachine struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Location   string            `json:"location"`
	Tags       map[string]string `json:"tags"`
	Properties struct {
		VMID            string `json:"vmId"`
		HardwareProfile struct {
			VMSize string `json:"vmSize"`
		} `json:"hardwareProfile"`
		InstanceView *struct {
			Statuses []struct {
				Code string `json:"code"`
			} `json:"statuses"`
		} `json:"instanceView"`
	} `json:"properties"`
}

// ListInstances follows nextLink until exhausted. A failing page aborts
// the listing.
func (c *Connector) ListInstances(ctx context.Context, creds providers.Credentials) ([]types.Instance, error) {
	var ac providers.AzureCredentials
	if err := providers.Decode(types.ProviderAzure, creds, &ac); err != nil {
		return nil, err
	}

	oauthCfg := clientcredentials.Config{
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		TokenURL:     c.authorityURL + "/" + url.PathEscape(ac.TenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{managementScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	client := oauthCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))

	fetchedAt := c.now().UTC()
	next := c.managementURL + "/subscriptions/" + url.PathEscape(ac.SubscriptionID) +
		"/providers/Microsoft.Compute/virtualMachines?api-version=" + apiVersion + "&statusOnly=true"

	var out []types.Instance
	for next != "" {
		var page vmList
		if err := providers.GetJSON(ctx, client, types.ProviderAzure, next, &page); err != nil {
			return nil, err
		}
		for _, vm := range page.Value {
			out = append(out, convertVM(vm, fetchedAt))
		}
		next = page.NextLink
	}
	return out, nil
}

func convertVM(vm virtualMachine, fetchedAt time.Time) types.Instance {
	tags := vm.Tags
	if tags == nil {
		tags = map[string]string{}
	}

	raw, err := json.Marshal(map[string]string{"vm_id": vm.Properties.VMID})
	if err != nil {
		raw = nil
	}

	return types.Instance{
		ID:          uuid.NewString(),
		Provider:    types.ProviderAzure,
		InstanceID:  vm.ID,
		Region:      vm.Location,
		Name:        vm.Name,
		Size:        vm.Properties.HardwareProfile.VMSize,
		State:       powerState(vm),
		Tags:        tags,
		Raw:         raw,
		FirstSeenAt: fetchedAt,
		LastSeenAt:  fetchedAt,
		UpdatedAt:   fetchedAt,
	}
}

func powerState(vm virtualMachine) string {
	if vm.Properties.InstanceView == nil {
		return types.StateUnknown
	}
	for _, s := range vm.Properties.InstanceView.Statuses {
		if code, ok := strings.CutPrefix(s.Code, "PowerState/"); ok {
			return normalizeState(code)
		}
	}
	return types.StateUnknown
}

func normalizeState(code string) string {
	switch code {
	case "running":
		return types.StateRunning
	case "deallocated", "stopped":
		return types.StateStopped
	case "starting", "stopping", "deallocating":
		return types.StatePending
	}
	return code
}
