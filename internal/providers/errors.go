package providers

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/meguminnnnnnnnn/go-openai"
)

var (
	statusPattern     = regexp.MustCompile(`(?i)status(?: code)?[:= ]+(\d{3})\b`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[: ]+(\S+)`)
)

// anthropicStatus maps Anthropic error types onto the HTTP status they are
// sent with.
var anthropicStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// extractErrorMetadata finds the HTTP status and Retry-After value of a
// provider error, preferring the SDK's typed errors over the message text.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	status := 0

	var oaiAPI *openai.APIError
	var oaiReq *openai.RequestError
	var antAPI *anthropic.APIError
	var antReq *anthropic.RequestError
	switch {
	case errors.As(err, &oaiAPI):
		status = oaiAPI.HTTPStatusCode
	case errors.As(err, &oaiReq):
		status = oaiReq.HTTPStatusCode
	case errors.As(err, &antReq):
		status = antReq.StatusCode
	case errors.As(err, &antAPI):
		status = anthropicStatus[string(antAPI.Type)]
	}

	msg := err.Error()
	if status == 0 {
		if m := statusPattern.FindStringSubmatch(msg); m != nil {
			status, _ = strconv.Atoi(m[1])
		}
	}
	retryAfter := ""
	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		retryAfter = strings.TrimRight(m[1], ".,;")
	}
	return status, retryAfter
}
