package retry

import (
	"errors"
	"strings"

	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// textual markers of quota exhaustion, lower case
var quotaMarkers = []string{
	"resource_exhausted",
	"quota",
	"rate limit",
	"too many requests",
}

// IsRateLimited reports whether err, or any error wrapped inside it, says the
// caller exceeded a request quota.
func IsRateLimited(err error) bool {
	return walk(err, isRateLimitNode)
}

func isRateLimitNode(err error) bool {
	if err == domain.ErrRateLimited {
		return true
	}

	switch e := err.(type) {
	case genai.APIError:
		if apiErrorRateLimited(&e) {
			return true
		}
	case *genai.APIError:
		if e != nil && apiErrorRateLimited(e) {
			return true
		}
	}

	if se, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		if se.GRPCStatus().Code() == codes.ResourceExhausted {
			return true
		}
	}
	if sc, ok := err.(interface{ StatusCode() int }); ok && sc.StatusCode() == 429 {
		return true
	}
	if sc, ok := err.(interface{ HTTPStatus() int }); ok && sc.HTTPStatus() == 429 {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func apiErrorRateLimited(e *genai.APIError) bool {
	if e.Code == 429 || strings.EqualFold(e.Status, "RESOURCE_EXHAUSTED") {
		return true
	}
	for _, d := range e.Details {
		if hasCode429(d) {
			return true
		}
	}
	return false
}

// hasCode429 looks for a "code": 429 entry anywhere in decoded JSON.
func hasCode429(v any) bool {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if k == "code" && isNumber429(val) {
				return true
			}
			if hasCode429(val) {
				return true
			}
		}
	case []any:
		for _, val := range x {
			if hasCode429(val) {
				return true
			}
		}
	}
	return false
}

func isNumber429(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 429
	case int32:
		return n == 429
	case int64:
		return n == 429
	case float64:
		return n == 429
	case string:
		return n == "429"
	}
	return false
}

// walk visits err and every error it wraps, depth first, until visit returns true.
func walk(err error, visit func(error) bool) bool {
	for err != nil {
		if visit(err) {
			return true
		}
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				if walk(e, visit) {
					return true
				}
			}
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}
