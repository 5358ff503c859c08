package xt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"xt-connector/internal/core"
)

// APIError is a non-success answer from the venue. Code carries the venue
// message code (mc) when one was returned.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("xt api error status=%d: %s", e.HTTPStatus, e.Msg)
	}
	return fmt.Sprintf("xt api error status=%d code=%s: %s", e.HTTPStatus, e.Code, e.Msg)
}

var apiErrorMessageKinds = map[string]error{
	"order not exist":      core.ErrOrderNotFound,
	"order not found":      core.ErrOrderNotFound,
	"order does not exist": core.ErrOrderNotFound,
	"unknown order":        core.ErrOrderNotFound,
	"insufficient":         core.ErrInsufficientBalance,
	"balance not enough":   core.ErrInsufficientBalance,
	"duplicate":            core.ErrDuplicateOrder,
	"signature":            core.ErrAuthentication,
	"apikey":               core.ErrAuthentication,
	"invalid key":          core.ErrAuthentication,
	"timestamp":            core.ErrAuthentication,
}

// classifyAPIError joins the APIError with the sentinel kinds it maps to so
// callers can use errors.Is. Unrecognised rejections of order calls become
// ErrOrderRejected.
func classifyAPIError(apiErr APIError, orderCall bool) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if orderCall && len(kinds) == 0 {
		kinds = appendErrorKind(kinds, core.ErrOrderRejected)
	}
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	switch {
	case apiErr.HTTPStatus == http.StatusServiceUnavailable:
		kinds = appendErrorKind(kinds, core.ErrServerOverloaded)
		kinds = appendErrorKind(kinds, core.ErrTransient)
	case apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden:
		kinds = appendErrorKind(kinds, core.ErrAuthentication)
	case apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= 500:
		kinds = appendErrorKind(kinds, core.ErrTransient)
	}
	if strings.HasPrefix(strings.ToUpper(apiErr.Code), "AUTH_") {
		kinds = appendErrorKind(kinds, core.ErrAuthentication)
	}
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Code + " " + apiErr.Msg)
	for fragment, kind := range apiErrorMessageKinds {
		if strings.Contains(normalizedMsg, fragment) {
			kinds = appendErrorKind(kinds, kind)
		}
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	return strings.ReplaceAll(msg, "_", " ")
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...string) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if strings.EqualFold(apiErr.Code, code) {
			return true
		}
	}
	return false
}
