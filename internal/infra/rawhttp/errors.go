// Package rawhttp frames and parses HTTP/1.1 requests directly off a
// net.Conn, writes responses on the same connection, and chains
// connection-level middleware — the transport this system uses instead of
// net/http, since the pipeline needs to hold a socket open across a queue
// wait and admit connections before any HTTP parsing happens.
package rawhttp

import "errors"

// Sentinel errors surfaced by ReadRequest and the multipart parser.
// domain.StatusCode does not recognize them; the connection handler maps
// them itself: ErrTooLarge to 413, ErrTimeout and ErrConnectionClosed to a
// close without a response, and every other one to 400.
var (
	ErrTimeout              = errors.New("read timeout")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrMalformed            = errors.New("malformed request")
	ErrTooLarge             = errors.New("request too large")
	ErrNoBoundary           = errors.New("no multipart boundary")
	ErrNoContentDisposition = errors.New("no content-disposition header")
	ErrEmptyPayload         = errors.New("empty multipart payload")
)
