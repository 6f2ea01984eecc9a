// Package gcp lists Compute Engine instances with an aggregated list call.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/types"
)

// ServiceFactory builds a compute client from the decoded credentials
type ServiceFactory func(ctx context.Context, creds providers.GCPCredentials) (*compute.Service, error)

// Connector lists instances of one project across all zones
type Connector struct {
	newService ServiceFactory
	now        func() time.Time
}

// Option configures the connector
type Option func(*Connector)

// WithServiceFactory replaces the compute client constructor
func WithServiceFactory(f ServiceFactory) Option {
	return func(c *Connector) { c.newService = f }
}

// WithClock sets the fetch time source
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates a GCP connector
func New(opts ...Option) *Connector {
	c := &Connector{newService: newComputeService, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newComputeService(ctx context.Context, creds providers.GCPCredentials) (*compute.Service, error) {
	return compute.NewService(ctx,
		option.WithCredentialsJSON([]byte(creds.ServiceAccountJSON)),
		option.WithScopes(compute.ComputeReadonlyScope),
	)
}

// Provider returns the provider identifier.
func (c *Connector) Provider() types.Provider {
	return types.ProviderGCP
}

// RequiredFields returns the mandatory credential keys.
func (c *Connector) RequiredFields() []string {
	return providers.RequiredFields(types.ProviderGCP)
}

// ListInstances walks every aggregated list page; any page failure aborts.
func (c *Connector) ListInstances(ctx context.Context, creds providers.Credentials) ([]types.Instance, error) {
	var gc providers.GCPCredentials
	if err := providers.Decode(types.ProviderGCP, creds, &gc); err != nil {
		return nil, err
	}
	if !json.Valid([]byte(gc.ServiceAccountJSON)) {
		return nil, types.NewCredentialsError("service_account_json is not valid JSON", nil)
	}

	svc, err := c.newService(ctx, gc)
	if err != nil {
		return nil, types.NewCredentialsError("create compute client", err)
	}

	fetchedAt := c.now().UTC()
	var out []types.Instance
	err = svc.Instances.AggregatedList(gc.ProjectID).Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		scopes := make([]string, 0, len(page.Items))
		for scope := range page.Items {
			scopes = append(scopes, scope)
		}
		sort.Strings(scopes)

		for _, scope := range scopes {
			for _, inst := range page.Items[scope].Instances {
				out = append(out, convertInstance(inst, fetchedAt))
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func convertInstance(inst *compute.Instance, fetchedAt time.Time) types.Instance {
	labels := inst.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	var publicIP, privateIP string
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		privateIP = nic.NetworkIP
		if len(nic.AccessConfigs) > 0 {
			publicIP = nic.AccessConfigs[0].NatIP
		}
	}

	raw, err := json.Marshal(map[string]string{
		"zone":          inst.Zone,
		"machine_type":  inst.MachineType,
		"cpu_platform":  inst.CpuPlatform,
		"creation_time": inst.CreationTimestamp,
	})
	if err != nil {
		raw = nil
	}

	return types.Instance{
		ID:          uuid.NewString(),
		Provider:    types.ProviderGCP,
		InstanceID:  strconv.FormatUint(inst.Id, 10),
		Region:      shortName(inst.Zone),
		Name:        inst.Name,
		Size:        shortName(inst.MachineType),
		State:       normalizeState(inst.Status),
		PublicIP:    publicIP,
		PrivateIP:   privateIP,
		Tags:        labels,
		Raw:         raw,
		FirstSeenAt: fetchedAt,
		LastSeenAt:  fetchedAt,
		UpdatedAt:   fetchedAt,
	}
}

// shortName returns the last path segment of a resource URL
func shortName(resourceURL string) string {
	if resourceURL == "" {
		return ""
	}
	return path.Base(resourceURL)
}

func normalizeState(status string) string {
	switch status {
	case "RUNNING":
		return types.StateRunning
	case "TERMINATED":
		return types.StateTerminated
	case "STOPPED", "SUSPENDED":
		return types.StateStopped
	case "STAGING", "PROVISIONING", "SUSPENDING", "STOPPING", "REPAIRING":
		return types.StatePending
	case "":
		return types.StateUnknown
	}
	return strings.ToLower(status)
}

func classify(ctx context.Context, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return providers.ClassifyStatus(types.ProviderGCP, gerr.Code, gerr.Message)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return types.NewConnectorError(types.KindMalformed, types.ProviderGCP, "decode response", err)
	}
	return providers.ClassifyTransport(ctx, types.ProviderGCP, err)
}
