package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
)

// Invalidator drops cached resolutions after a write. Handlers call it before
// responding so a client never reads a stale check after its own mutation.
type Invalidator interface {
	InvalidateRoute(ctx context.Context, id int64) error
	InvalidateKey(ctx context.Context, id int64) error
	InvalidateLimits(ctx context.Context) error
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateRoute(context.Context, int64) error { return nil }
func (noopInvalidator) InvalidateKey(context.Context, int64) error   { return nil }
func (noopInvalidator) InvalidateLimits(context.Context) error       { return nil }

func orNoop(inv Invalidator) Invalidator {
	if inv == nil {
		return noopInvalidator{}
	}
	return inv
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("route_path", validateRoutePath); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("http_method", validateHTTPMethod); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("algorithm", func(fl validator.FieldLevel) bool {
		return model.ValidAlgorithm(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("violation_type", func(fl validator.FieldLevel) bool {
		return model.ValidViolationType(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return model.ValidRole(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// validateRoutePath accepts absolute paths without whitespace, query or
// fragment.
func validateRoutePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return strings.HasPrefix(p, "/") && !strings.ContainsAny(p, " \t\n?#")
}

func validateHTTPMethod(fl validator.FieldLevel) bool {
	m := strings.ToUpper(fl.Field().String())
	for _, known := range model.HTTPMethods {
		if m == known {
			return true
		}
	}
	return false
}

// validationMessage renders validator errors as one readable sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email address")
		case "url", "http_url":
			msgs = append(msgs, field+" must be a valid http(s) URL")
		case "min", "gte":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "max", "lte":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "gt":
			msgs = append(msgs, field+" must be greater than "+fe.Param())
		case "route_path":
			msgs = append(msgs, field+" must be an absolute path starting with /")
		case "http_method":
			msgs = append(msgs, field+" must contain HTTP methods")
		case "algorithm":
			msgs = append(msgs, field+" must be one of: "+strings.Join(model.Algorithms, ", "))
		case "violation_type":
			msgs = append(msgs, field+" must be one of: "+strings.Join(model.ViolationTypes, ", "))
		case "role":
			msgs = append(msgs, field+" must be admin or viewer")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, model.ErrorResponse{
		Timestamp: time.Now().UTC(),
		Status:    code,
		Error:     http.StatusText(code),
		Message:   message,
		Path:      r.URL.Path,
	})
}

// writeStoreError maps store sentinels to HTTP status codes. Anything
// unrecognized is a 500 carrying the wrapped message.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, config.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, config.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, action+": "+err.Error())
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// trimmer is implemented by payloads whose text fields are trimmed before
// validation, so a blank value fails required or min=1.
type trimmer interface {
	trim()
}

func trimPtr(s *string) {
	if s != nil {
		*s = strings.TrimSpace(*s)
	}
}

// decodeAndValidate reads the body into v and runs struct validation. On
// failure it writes a 400 and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := readJSON(r, v); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if t, ok := v.(trimmer); ok {
		t.trim()
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// pathID parses the chi URL parameter name as a positive int64. On failure it
// writes a 400 and returns false.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %q", name, raw))
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive int64 query parameter. A missing or
// empty parameter yields nil.
func queryID(r *http.Request, key string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return &id, nil
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func normalizeMethods(methods []string) []string {
	out := make([]string, 0, len(methods))
	seen := make(map[string]bool, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
