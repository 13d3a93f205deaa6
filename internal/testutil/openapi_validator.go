package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

const maxReportedBody = 300

// OpenAPIValidator checks API traffic against the OpenAPI document. Paths
// outside /api/ (probes, version) are not part of the document and pass.
type OpenAPIValidator struct {
	router routers.Router
}

// Loaded documents by path; a test binary validates many exchanges against one file.
var validators sync.Map

// NewOpenAPIValidator returns the validator for the document at specPath,
// failing the test if the document does not load or is itself invalid.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	if v, ok := validators.Load(specPath); ok {
		return v.(*OpenAPIValidator)
	}

	v, err := loadOpenAPIValidator(specPath)
	if err != nil {
		t.Fatalf("load OpenAPI validator: %v", err)
	}
	actual, _ := validators.LoadOrStore(specPath, v)
	return actual.(*OpenAPIValidator)
}

func loadOpenAPIValidator(specPath string) (*OpenAPIValidator, error) {
	doc, err := openapi3.NewLoader().LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", specPath, err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &OpenAPIValidator{router: router}, nil
}

// Check validates req (whose body is reqBody) and resp. The response body is
// restored so callers can still decode it.
func (v *OpenAPIValidator) Check(t *testing.T, req *http.Request, reqBody []byte, resp *http.Response) {
	t.Helper()

	if !strings.HasPrefix(req.URL.Path, "/api/") {
		return
	}

	route, pathParams, err := v.router.FindRoute(req)
	if err != nil {
		t.Errorf("OpenAPI: undocumented operation %s %s: %v", req.Method, req.URL.Path, err)
		return
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    req.Clone(req.Context()),
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	input.Request.Body = io.NopCloser(bytes.NewReader(reqBody))

	if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
		t.Errorf("OpenAPI: request %s %s: %v", req.Method, req.URL.Path, err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read response body: %v", err)
		return
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 resp.StatusCode,
		Header:                 resp.Header,
		Body:                   io.NopCloser(bytes.NewReader(respBody)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		t.Errorf("OpenAPI: response %s %s (status %d): %v\nbody: %s",
			req.Method, req.URL.Path, resp.StatusCode, err, truncate(respBody))
	}
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxReportedBody {
		return s[:maxReportedBody] + "..."
	}
	return s
}
