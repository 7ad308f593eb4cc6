package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/samber/oops"

	"github.com/openfroyo/glueflow/pkg/engine"
)

const logDomain = "aws"

const (
	noUpdatesMessage    = "No updates are to be performed"
	stackMissingMessage = "does not exist"
)

// ErrorCode returns the service error code carried by err, or "" when err
// did not come from an AWS API.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return ""
}

// isNoUpdates reports the CloudFormation "nothing changed" answer to an update.
func isNoUpdates(err error) bool {
	return ErrorCode(err) == "ValidationError" && strings.Contains(apiMessage(err), noUpdatesMessage)
}

func isStackMissing(err error) bool {
	return ErrorCode(err) == "ValidationError" && strings.Contains(apiMessage(err), stackMissingMessage)
}

func isThrottle(code string) bool {
	switch code {
	case "TooManyRequestsException", "RequestLimitExceeded", "SlowDown", "RequestThrottled":
		return true
	}
	return strings.HasPrefix(code, "Throttling")
}

// classify wraps an SDK error with the call context and maps its code onto
// an engine error class. The original error stays reachable with errors.As.
func classify(err error, service, operation string) error {
	if err == nil {
		return nil
	}

	wrapped := oops.In(logDomain).
		With("service", service).
		With("operation", operation).
		Wrapf(err, "%s %s", service, operation)

	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("AWS call timed out", wrapped).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(operation)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("AWS call cancelled", wrapped).WithOperation(operation)
	}

	code := ErrorCode(err)
	var out *engine.EngineError
	switch {
	case code == "":
		out = engine.NewPermanentError("AWS call failed", wrapped).WithCode(engine.ErrCodeProviderFailed)
	case isThrottle(code):
		out = engine.NewThrottledError("AWS API throttled the request", wrapped).WithCode(engine.ErrCodeRateLimited)
	case strings.HasPrefix(code, "AccessDenied"), code == "UnauthorizedOperation", code == "InvalidClientTokenId", code == "ExpiredToken":
		out = engine.NewPermanentError("permission denied", wrapped).WithCode(engine.ErrCodePermissionDenied)
	case code == "AlreadyExistsException":
		out = engine.NewConflictError("resource already exists", wrapped).WithCode(engine.ErrCodeAlreadyExists)
	case code == "ConcurrentModificationException", code == "ConcurrentRunsExceededException", code == "OperationInProgressException":
		out = engine.NewConflictError("resource is busy", wrapped).WithCode(engine.ErrCodeConflict)
	case code == "EntityNotFoundException", code == "NoSuchBucket", code == "NotFound":
		out = engine.NewPermanentError("resource not found", wrapped).WithCode(engine.ErrCodeNotFound)
	case code == "ValidationError", code == "InvalidInputException":
		out = engine.NewPermanentError(apiMessage(err), wrapped).WithCode(engine.ErrCodeValidation)
	default:
		out = engine.NewPermanentError("AWS call failed", wrapped).WithCode(engine.ErrCodeProviderFailed)
	}

	out = out.WithOperation(operation)
	if code != "" {
		out = out.WithDetail("aws_code", code)
	}
	return out
}
