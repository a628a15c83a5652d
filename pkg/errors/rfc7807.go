package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError  = "https://api.fxarena.io/problems/validation-error"
	TypeNotFound         = "https://api.fxarena.io/problems/not-found"
	TypeConflict         = "https://api.fxarena.io/problems/conflict"
	TypeQuoteUnavailable = "https://api.fxarena.io/problems/quote-unavailable"
	TypeBadGateway       = "https://api.fxarena.io/problems/bad-gateway"
	TypeConfiguration    = "https://api.fxarena.io/problems/configuration-error"
	TypeInternalError    = "https://api.fxarena.io/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Code     string                 `json:"code,omitempty"`
	Errors   []FieldError           `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.Code != "" {
		result["code"] = p.Code
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

// ToProblemDetails maps an error kind to its HTTP problem representation.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	var p *ProblemDetails
	if As(err, &p) {
		return p
	}
	var e *Error
	if !As(err, &e) {
		return &ProblemDetails{
			Type:     TypeInternalError,
			Title:    "Internal Server Error",
			Status:   http.StatusInternalServerError,
			Detail:   err.Error(),
			Instance: instance,
		}
	}

	pd := &ProblemDetails{
		Detail:   e.Message,
		Instance: instance,
		Code:     e.Code,
		Errors:   e.Fields,
	}
	switch e.Kind {
	case KindValidation:
		pd.Type, pd.Title, pd.Status = TypeValidationError, "Validation Error", http.StatusBadRequest
	case KindConfiguration:
		pd.Type, pd.Title, pd.Status = TypeConfiguration, "Configuration Error", http.StatusInternalServerError
	case KindNotFound:
		pd.Type, pd.Title, pd.Status = TypeNotFound, "Not Found", http.StatusNotFound
	case KindStateConflict:
		pd.Type, pd.Title, pd.Status = TypeConflict, "Conflict", http.StatusConflict
	case KindQuoteUnavailable:
		pd.Type, pd.Title, pd.Status = TypeQuoteUnavailable, "Quote Unavailable", http.StatusServiceUnavailable
	case KindExternalService:
		pd.Type, pd.Title, pd.Status = TypeBadGateway, "Bad Gateway", http.StatusBadGateway
	default:
		pd.Type, pd.Title, pd.Status = TypeInternalError, "Internal Server Error", http.StatusInternalServerError
	}
	if pd.Detail == "" {
		pd.Detail = e.Error()
	}
	return pd
}
