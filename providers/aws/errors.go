package aws

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/cloudwatcher/types"
)

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
}

var authCodes = map[string]bool{
	"AuthFailure":           true,
	"UnauthorizedOperation": true,
	"InvalidClientTokenId":  true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"AccessDenied":          true,
	"OptInRequired":         true,
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func classify(ctx context.Context, region string, err error) error {
	msg := "describe instances in " + region

	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return types.NewConnectorError(types.KindTimeout, types.ProviderAWS, msg, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case throttleCodes[code]:
			return types.NewConnectorError(types.KindRateLimit, types.ProviderAWS, msg, err)
		case authCodes[code]:
			return types.NewConnectorError(types.KindAuth, types.ProviderAWS, msg, err)
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch status := statusErr.HTTPStatusCode(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return types.NewConnectorError(types.KindAuth, types.ProviderAWS, msg, err)
		case status == http.StatusTooManyRequests:
			return types.NewConnectorError(types.KindRateLimit, types.ProviderAWS, msg, err)
		}
	}

	return types.NewConnectorError(types.KindNetwork, types.ProviderAWS, msg, err)
}
