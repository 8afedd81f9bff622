package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxRequestBody bounds every decoded request. Envelopes are small; a pull
// or result batch well under this limit is the normal case.
const maxRequestBody = 1 << 20

// validate is a package-level, concurrency-safe validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// opaqueFields are object keys whose values are carried verbatim rather than
// decoded into known structs; key normalization must not descend into them.
var opaqueFields = map[string]bool{
	"payload":  true,
	"metadata": true,
}

// ValidationError is a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse is the error envelope returned for invalid requests.
type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details"`
}

// Decode reads a single JSON object from the request body into dst, rejecting
// unknown fields, oversized bodies, and trailing data. Bodies may spell keys
// in camelCase or snake_case; keys are normalized to snake_case before the
// strict decode runs.
func Decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errors.New("request body too large (max 1 MiB)")
		}
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("request body is empty")
	}

	normalized, err := normalizeJSONKeys(raw)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// normalizeJSONKeys rewrites camelCase object keys to snake_case at every
// nesting level, so either spelling is accepted. Values under opaque
// pass-through fields (payload, metadata) are preserved byte for byte.
func normalizeJSONKeys(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw, nil
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		out := make(map[string]json.RawMessage, len(obj))
		for k, v := range obj {
			nk := toSnakeCase(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("duplicate field %q", nk)
			}
			if !opaqueFields[nk] {
				var err error
				if v, err = normalizeJSONKeys(v); err != nil {
					return nil, err
				}
			}
			out[nk] = v
		}
		return json.Marshal(out)
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, err
		}
		for i, el := range arr {
			nel, err := normalizeJSONKeys(el)
			if err != nil {
				return nil, err
			}
			arr[i] = nel
		}
		return json.Marshal(arr)
	default:
		return trimmed, nil
	}
}

// Validate runs struct-tag validation on v and returns field-level errors.
func Validate(v any) []ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, ValidationError{
			Field:   jsonFieldName(fe),
			Message: fieldErrorMessage(fe),
		})
	}
	return out
}

// DecodeAndValidate decodes a JSON body and validates the result. On failure
// it writes the error response and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := Decode(r, dst); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	if errs := Validate(dst); len(errs) > 0 {
		Respond(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:   "validation_error",
			Message: "one or more fields failed validation",
			Details: errs,
		})
		return false
	}
	return true
}

// jsonFieldName maps the validator's struct field namespace to the request's
// snake_case JSON field name.
func jsonFieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return toSnakeCase(ns)
}

// toSnakeCase lowercases a camelCase or PascalCase name, inserting an
// underscore at each word boundary. Runs of capitals collapse into one word,
// so "organisationID" becomes "organisation_id". Names without capitals pass
// through unchanged.
func toSnakeCase(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r >= 'A' && r <= 'Z' }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			b.WriteByte(c)
			continue
		}
		if i > 0 && (s[i-1] < 'A' || s[i-1] > 'Z') {
			b.WriteByte('_')
		}
		b.WriteByte(c + ('a' - 'A'))
	}
	return b.String()
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
