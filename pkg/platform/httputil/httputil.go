// Package httputil holds the JSON plumbing shared by every HTTP handler:
// response encoding, the error envelope, and request decoding with
// validation. Handlers never touch encoding/json directly.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	pkgerrors "eligibility-gateway/pkg/errors"
)

// Validate is the process-wide validator instance. validator caches struct
// metadata, so sharing one instance is both safe and cheaper.
var Validate = validator.New(validator.WithRequiredStructEnabled())

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the JSON error envelope. Internal
// errors omit the description so infrastructure details never leak to
// callers; everything else carries the message for debuggability.
func WriteError(w http.ResponseWriter, err error) {
	code := pkgerrors.CodeOf(err)
	body := map[string]string{"error": string(code)}
	if code != pkgerrors.CodeInternal {
		var ge pkgerrors.GatewayError
		if errors.As(err, &ge) && ge.Message != "" {
			body["error_description"] = ge.Message
		}
	}
	WriteJSON(w, pkgerrors.ToHTTPStatus(code), body)
}

// Decode parses and validates the request body into T. On failure it writes
// the error response itself and returns ok=false; the handler just returns.
func Decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeInvalidInput, "malformed request body"))
		return req, false
	}
	if err := Validate.Struct(req); err != nil {
		WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeInvalidInput, validationMessage(err)))
		return req, false
	}
	return req, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return "field " + f.Field() + " failed on " + f.Tag()
	}
	return "request validation failed"
}
