package metaapi

import "fmt"

// GraphError is the structured error object the Graph API returns under the
// top-level "error" key, plus transport details the classifier needs.
type GraphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	Subcode      int    `json:"error_subcode"`
	ErrorUserMsg string `json:"error_user_msg"`
	FBTraceId    string `json:"fbtrace_id"`

	// HTTPStatus is the status of the response carrying the error.
	HTTPStatus int `json:"-"`
	// RetryAfterSeconds is the server-supplied retry hint (Retry-After header),
	// 0 when the API did not supply one.
	RetryAfterSeconds int `json:"-"`
}

func (e *GraphError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph api error %d/%d (%s): %s", e.Code, e.Subcode, e.Type, e.Message)
	}
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// IsRateLimit reports whether the error is one of the documented throttling
// codes (app, user, page and custom rate limits).
func (e *GraphError) IsRateLimit() bool {
	switch e.Code {
	case 4, 17, 32, 613:
		return true
	}
	return false
}

// IsTransient reports whether the error is a temporary server-side condition.
func (e *GraphError) IsTransient() bool {
	if e.Code == 1 || e.Code == 2 {
		return true
	}
	return e.HTTPStatus >= 500
}

// IsAuth reports whether the error is an OAuth/permission failure. Code 190 is
// an invalid or expired token; 10 and the 200-299 range are permission errors.
func (e *GraphError) IsAuth() bool {
	if e.Code == 190 || e.Code == 10 {
		return true
	}
	return e.Code >= 200 && e.Code <= 299
}
