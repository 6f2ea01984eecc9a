// Package aws implements the EC2 instance connector.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"

	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/types"
)

// EC2API defines the EC2 operations used by the connector.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// ClientFactory builds an EC2 client for one region
type ClientFactory func(ctx context.Context, creds providers.AWSCredentials, region string) (EC2API, error)

// Connector lists EC2 instances across the configured regions
type Connector struct {
	newClient ClientFactory
	now       func() time.Time
}

// Option configures the connector
type Option func(*Connector)

// WithClientFactory replaces the SDK client constructor
func WithClientFactory(f ClientFactory) Option {
	return func(c *Connector) { c.newClient = f }
}

// WithClock sets the fetch time source
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates an AWS connector
func New(opts ...Option) *Connector {
	c := &Connector{newClient: newSDKClient, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newSDKClient(ctx context.Context, creds providers.AWSCredentials, region string) (EC2API, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// Provider returns the provider identifier.
func (c *Connector) Provider() types.Provider {
	return types.ProviderAWS
}

// RequiredFields returns the mandatory credential keys.
func (c *Connector) RequiredFields() []string {
	return providers.RequiredFields(types.ProviderAWS)
}

// ListInstances scans every region in order. Any region failure aborts the
// whole listing.
func (c *Connector) ListInstances(ctx context.Context, creds providers.Credentials) ([]types.Instance, error) {
	var ac providers.AWSCredentials
	if err := providers.Decode(types.ProviderAWS, creds, &ac); err != nil {
		return nil, err
	}

	fetchedAt := c.now().UTC()
	var out []types.Instance
	for _, region := range ac.RegionList() {
		client, err := c.newClient(ctx, ac, region)
		if err != nil {
			return nil, types.NewConnectorError(types.KindAuth, types.ProviderAWS, "create client for "+region, err)
		}
		instances, err := c.listRegion(ctx, client, region, fetchedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, instances...)
	}
	return out, nil
}

func (c *Connector) listRegion(ctx context.Context, client EC2API, region string, fetchedAt time.Time) ([]types.Instance, error) {
	var instances []types.Instance

	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(ctx, region, err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, convertInstance(instance, region, fetchedAt))
			}
		}
	}

	return instances, nil
}

func convertInstance(instance ec2types.Instance, region string, fetchedAt time.Time) types.Instance {
	tags := make(map[string]string, len(instance.Tags))
	for _, tag := range instance.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	state := types.StateUnknown
	if instance.State != nil {
		state = normalizeState(string(instance.State.Name))
	}

	return types.Instance{
		ID:          uuid.NewString(),
		Provider:    types.ProviderAWS,
		InstanceID:  aws.ToString(instance.InstanceId),
		Region:      region,
		Name:        tags["Name"],
		Size:        string(instance.InstanceType),
		State:       state,
		PublicIP:    aws.ToString(instance.PublicIpAddress),
		PrivateIP:   aws.ToString(instance.PrivateIpAddress),
		Tags:        tags,
		Raw:         rawAttrs(instance),
		FirstSeenAt: fetchedAt,
		LastSeenAt:  fetchedAt,
		UpdatedAt:   fetchedAt,
	}
}

func rawAttrs(instance ec2types.Instance) json.RawMessage {
	attrs := map[string]string{
		"image_id":  aws.ToString(instance.ImageId),
		"vpc_id":    aws.ToString(instance.VpcId),
		"subnet_id": aws.ToString(instance.SubnetId),
	}
	if instance.Placement != nil {
		attrs["availability_zone"] = aws.ToString(instance.Placement.AvailabilityZone)
	}
	if instance.LaunchTime != nil {
		attrs["launch_time"] = instance.LaunchTime.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil
	}
	return data
}

// normalizeState maps EC2 state names; transient states collapse to pending.
func normalizeState(name string) string {
	switch name {
	case "running":
		return types.StateRunning
	case "stopped":
		return types.StateStopped
	case "terminated":
		return types.StateTerminated
	case "pending", "stopping", "shutting-down":
		return types.StatePending
	case "":
		return types.StateUnknown
	}
	return name
}
