package dispatch

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// CanonicalRequest is the request before signing. The signer adds headers to the
// http.Request built from it; the value itself is not changed afterwards.
type CanonicalRequest struct {
	Method string
	URI    *url.URL
	Header http.Header
	Body   []byte
}

var errNameNotPath = errors.New("schedule name does not survive as the request path")

// NewCanonicalRequest targets POST <endpoint>/schedules/<name>. The name is not
// escaped; the scheduler rejects names it does not accept. A name that would turn
// into a query or a fragment is refused before any send.
func NewCanonicalRequest(endpoint, name string, body []byte) (CanonicalRequest, error) {
	raw := strings.TrimRight(endpoint, "/") + "/schedules/" + name
	u, err := url.Parse(raw)
	if err != nil {
		return CanonicalRequest{}, &TransportError{Op: "build", URL: raw, Err: err}
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || !strings.HasSuffix(u.Path, "/schedules/"+name) {
		return CanonicalRequest{}, &TransportError{Op: "build", URL: raw, Err: errNameNotPath}
	}
	return CanonicalRequest{
		Method: http.MethodPost,
		URI:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}
