package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/asad/blobgate/internal/blobapi"
)

// EndpointFunc is a transport-independent endpoint.
type EndpointFunc func(ctx context.Context, req blobapi.Request) blobapi.Response

// Adapt serves an endpoint over net/http.
func Adapt(endpoint EndpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := endpoint(r.Context(), blobapi.Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header,
			Query:  r.URL.Query(),
			Body:   r.Body,
		})
		WriteResponse(w, resp)
	}
}

// WriteResponse writes an endpoint response. A nil body writes headers only.
func WriteResponse(w http.ResponseWriter, resp blobapi.Response) {
	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	WriteJSON(w, status, resp.Body)
}

// WriteJSON writes body as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
