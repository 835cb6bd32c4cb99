// Package openapi embeds the engine's OpenAPI document and validates
// inbound requests against it.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/pitabwire/flowdesk/model"
)

//go:embed openapi.yaml
var document []byte

// Document returns the raw OpenAPI document.
func Document() []byte {
	return document
}

// Validator checks requests against the embedded document.
type Validator struct {
	doc    *openapi3.T
	router routers.Router
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Validator, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}
	return &Validator{doc: doc, router: router}, nil
}

// OperationIDs returns the operation ids declared by the document.
func (v *Validator) OperationIDs() []string {
	var ids []string
	for _, item := range v.doc.Paths.Map() {
		for _, op := range item.Operations() {
			if op.OperationID != "" {
				ids = append(ids, op.OperationID)
			}
		}
	}
	return ids
}

// Validate checks r's parameters and body. Requests for paths the document
// does not describe pass unchecked. The body is restored for the handler.
func (v *Validator) Validate(r *http.Request) error {
	route, params, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         true,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return toEnvelope(err)
	}
	return nil
}

// Middleware rejects invalid requests through writeError.
func (v *Validator) Middleware(writeError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.Validate(r); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServeDocument serves the raw document.
func ServeDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(document)
}

func toEnvelope(err error) *model.ErrorEnvelope {
	var details []model.FieldError
	collect(err, "", &details)
	if len(details) == 0 {
		return model.NewBadRequestError(err.Error())
	}
	return model.NewValidationError(details)
}

// collect flattens kin-openapi errors into field errors. It matches on the
// concrete type rather than errors.As: RequestError unwraps to its inner
// MultiError, which would otherwise lose the request location.
func collect(err error, field string, out *[]model.FieldError) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collect(inner, field, out)
		}
	case *openapi3filter.RequestError:
		loc := "body"
		if e.Parameter != nil {
			loc = e.Parameter.In + "." + e.Parameter.Name
		}
		if e.Err == nil {
			*out = append(*out, model.FieldError{Field: loc, Code: "INVALID", Message: e.Reason})
			return
		}
		collect(e.Err, loc, out)
	case *openapi3.SchemaError:
		f := field
		if ptr := e.JSONPointer(); len(ptr) > 0 {
			f += "." + strings.Join(ptr, ".")
		}
		*out = append(*out, model.FieldError{Field: f, Code: "SCHEMA", Message: e.Reason})
	default:
		var se *openapi3.SchemaError
		if errors.As(err, &se) {
			collect(se, field, out)
			return
		}
		*out = append(*out, model.FieldError{Field: field, Code: "INVALID", Message: err.Error()})
	}
}
