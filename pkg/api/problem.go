// Package api serves the aggregation core over HTTP. Errors are written as
// RFC 7807 problem details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

const problemTypeBase = "https://actorcore.schemas.local/problems/"

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Kind is the error kind of the failure, when classified.
	Kind    string `json:"kind,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := &ProblemDetail{
		Type:    problemTypeBase + strconv.Itoa(status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(RequestIDHeader),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	writeProblem(w, p)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindConfiguration, contracts.KindAggregation:
		return http.StatusUnprocessableEntity
	case contracts.KindRegistry:
		return http.StatusNotFound
	case contracts.KindTimeout:
		return http.StatusGatewayTimeout
	case contracts.KindCache, contracts.KindSubsystem:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteKindError writes err as a problem whose status follows its kind.
// Unclassified errors are logged and reported without detail.
func WriteKindError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := contracts.KindOf(err)
	status := StatusFor(kind)
	if kind == "" {
		logger.Error("internal server error", "path", r.URL.Path, "error", err)
		WriteError(w, r, status, "An unexpected error occurred.")
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemTypeBase + string(kind),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Kind:     string(kind),
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}
