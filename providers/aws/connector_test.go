package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cloudwatcher/providers"
	"github.com/yairfalse/cloudwatcher/types"
)

// mockEC2Client implements EC2API for testing.
type mockEC2Client struct {
	DescribeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	calls                 int
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.calls++
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func validCreds() providers.Credentials {
	return providers.Credentials{
		"access_key_id":     "AKIA",
		"secret_access_key": "secret",
		"region":            "us-east-1",
	}
}

func newTestInstance(id string, state ec2types.InstanceStateName) ec2types.Instance {
	return ec2types.Instance{
		InstanceId:       aws.String(id),
		InstanceType:     ec2types.InstanceTypeT2Micro,
		State:            &ec2types.InstanceState{Name: state},
		Placement:        &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
		PrivateIpAddress: aws.String("10.0.0.1"),
		PublicIpAddress:  aws.String("54.1.2.3"),
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String("web-1")},
			{Key: aws.String("environment"), Value: aws.String("production")},
		},
	}
}

func connectorWith(clients map[string]EC2API) *Connector {
	return New(
		WithClock(func() time.Time { return fixedNow }),
		WithClientFactory(func(_ context.Context, _ providers.AWSCredentials, region string) (EC2API, error) {
			return clients[region], nil
		}),
	)
}

func TestListInstancesPaginates(t *testing.T) {
	var tokens []string
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			tokens = append(tokens, aws.ToString(in.NextToken))
			if in.NextToken == nil {
				return &ec2.DescribeInstancesOutput{
					Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{newTestInstance("i-1", ec2types.InstanceStateNameRunning)}}},
					NextToken:    aws.String("page-2"),
				}, nil
			}
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{newTestInstance("i-2", ec2types.InstanceStateNameStopping)}}},
			}, nil
		},
	}

	c := connectorWith(map[string]EC2API{"us-east-1": mock})
	instances, err := c.ListInstances(context.Background(), validCreds())

	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 2, mock.calls)
	assert.Equal(t, []string{"", "page-2"}, tokens)

	first := instances[0]
	assert.Equal(t, "i-1", first.InstanceID)
	assert.Equal(t, types.ProviderAWS, first.Provider)
	assert.Equal(t, "us-east-1", first.Region)
	assert.Equal(t, "web-1", first.Name)
	assert.Equal(t, "t2.micro", first.Size)
	assert.Equal(t, types.StateRunning, first.State)
	assert.Equal(t, "54.1.2.3", first.PublicIP)
	assert.Equal(t, "production", first.Tags["environment"])
	assert.Equal(t, fixedNow, first.FirstSeenAt)
	assert.NotEmpty(t, first.ID)
	assert.Empty(t, first.AccountID)

	assert.Equal(t, types.StatePending, instances[1].State)
	assert.NotEqual(t, instances[0].ID, instances[1].ID)
}

func TestListInstancesMultiRegionFailAll(t *testing.T) {
	ok := &mockEC2Client{
		DescribeInstancesFunc: func(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{newTestInstance("i-1", ec2types.InstanceStateNameRunning)}}},
			}, nil
		},
	}
	throttled := &mockEC2Client{
		DescribeInstancesFunc: func(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
		},
	}

	creds := validCreds()
	creds["regions"] = "eu-west-1"
	c := connectorWith(map[string]EC2API{"us-east-1": ok, "eu-west-1": throttled})

	instances, err := c.ListInstances(context.Background(), creds)
	require.Error(t, err)
	assert.Nil(t, instances)
	assert.Equal(t, types.KindRateLimit, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestListInstancesValidatesBeforeIO(t *testing.T) {
	mock := &mockEC2Client{}
	c := connectorWith(map[string]EC2API{"us-east-1": mock})

	_, err := c.ListInstances(context.Background(), providers.Credentials{"region": "us-east-1"})
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
	assert.Equal(t, 0, mock.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"auth", &smithy.GenericAPIError{Code: "AuthFailure"}, types.KindAuth},
		{"throttle", &smithy.GenericAPIError{Code: "Throttling"}, types.KindRateLimit},
		{"deadline", context.DeadlineExceeded, types.KindTimeout},
		{"other", errors.New("connection reset"), types.KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, types.KindOf(classify(context.Background(), "us-east-1", tt.err)))
		})
	}
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, types.StateRunning, normalizeState("running"))
	assert.Equal(t, types.StateStopped, normalizeState("stopped"))
	assert.Equal(t, types.StateTerminated, normalizeState("terminated"))
	assert.Equal(t, types.StatePending, normalizeState("shutting-down"))
	assert.Equal(t, types.StateUnknown, normalizeState(""))
}
