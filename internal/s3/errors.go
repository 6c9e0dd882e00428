package s3

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// RequestError is returned when an S3 request fails for a non-transient
// reason, or after the retry budget for transient failures is exhausted.
type RequestError struct {
	Loc        Location
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request for %s failed with HTTP %d: %v", e.Loc, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request for %s failed: %v", e.Loc, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ChecksumMismatchError is returned when downloaded bytes do not hash to the
// digest the inventory declared for them.
type ChecksumMismatchError struct {
	Loc      Location
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("md5 mismatch for %s: expected %s, got %s", e.Loc, e.Expected, e.Actual)
}

// IsNotFound reports whether err is a 404 (NoSuchKey / NoSuchVersion) from S3.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound || hasErrorCode(err, "NoSuchKey", "NoSuchVersion", "NotFound")
}

// IsAccessDenied reports whether err is a 403 from S3.
func IsAccessDenied(err error) bool {
	return statusOf(err) == http.StatusForbidden || hasErrorCode(err, "AccessDenied")
}

func statusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) && re.StatusCode != 0 {
		return re.StatusCode
	}
	var herr *smithyhttp.ResponseError
	if errors.As(err, &herr) {
		return herr.HTTPStatusCode()
	}
	return 0
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}

// retriable reports whether a failed request is worth repeating: network
// errors and 5xx/429 responses are; checksum mismatches, 4xx client errors,
// and local filesystem errors are not.
func retriable(err error) bool {
	var cm *ChecksumMismatchError
	if errors.As(err, &cm) {
		return false
	}
	var re *RequestError
	if !errors.As(err, &re) {
		return false
	}
	if status := statusOf(err); status != 0 {
		return status >= 500 || status == http.StatusTooManyRequests
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return true
}
