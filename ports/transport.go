package ports

import (
	"context"
	"net/http"
)

// Request is an outbound call described independently of the wire client.
// Body is held in memory so the request can be sent more than once.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Clone returns a copy whose headers can be modified without affecting r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}

// Response is the authority's answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends a request to the remote authority. A non-nil error means
// no response was received (connection failure, timeout, cancellation).
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}
