// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errorutils classifies errors returned by the Azure SDK.
package errorutils

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/juju/errors"
)

// ServiceError returns the provider response error in err's chain, if
// there is one.
func ServiceError(err error) (*azcore.ResponseError, bool) {
	var responseError *azcore.ResponseError
	if errors.As(err, &responseError) {
		return responseError, true
	}
	return nil, false
}

// StatusCode returns the HTTP status code of a provider response
// error, or zero when err carries none.
func StatusCode(err error) int {
	if responseError, ok := ServiceError(err); ok {
		return responseError.StatusCode
	}
	return 0
}

// IsNotFoundError reports whether err indicates the requested resource
// does not exist.
func IsNotFoundError(err error) bool {
	if errors.Is(err, errors.NotFound) {
		return true
	}
	responseError, ok := ServiceError(err)
	if !ok {
		return false
	}
	switch responseError.ErrorCode {
	case "NotFound", "ResourceNotFound", "ResourceGroupNotFound":
		return true
	}
	return responseError.StatusCode == http.StatusNotFound
}

// IsConflictError reports whether err indicates a conflicting write.
func IsConflictError(err error) bool {
	return StatusCode(err) == http.StatusConflict
}

// IsForbiddenError reports whether err indicates missing authorisation.
func IsForbiddenError(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// IsRetryableError reports whether err is worth retrying: request
// throttling, timeouts, server-side failures, and conflicts raised by
// an operation already in progress on the same resource.
func IsRetryableError(err error) bool {
	responseError, ok := ServiceError(err)
	if !ok {
		return false
	}
	switch responseError.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	case http.StatusConflict:
		return responseError.ErrorCode == "AnotherOperationInProgress"
	}
	return responseError.StatusCode >= 500
}
