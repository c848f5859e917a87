package rawhttp

import (
	"context"
	"log/slog"
	"net"
	"runtime/debug"

	context_ "github.com/mkrupp/imgqueue/internal/infra/context"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
	"github.com/mkrupp/imgqueue/internal/util/encoding"
	"github.com/mkrupp/imgqueue/internal/util/uuid"
)

// TraceIDHeader is the header an inbound trace ID is read from; see
// TraceIDFromRequest.
const TraceIDHeader = "X-Request-ID"

// Handler processes one accepted connection. Unlike net/http.Handler, it
// owns the connection outright: on a deferred response path it may return
// before the response has been written, having handed the connection off
// to another goroutine (the worker).
type Handler func(ctx context.Context, conn net.Conn)

// RescuingMiddleware recovers from panics in the wrapped handler, logs the
// panic and stack trace, and writes a 500 response before the connection is
// otherwise abandoned.
func RescuingMiddleware(next Handler, log logging.Logger) Handler {
	return func(ctx context.Context, conn net.Conn) {
		defer func() {
			if p := recover(); p != nil {
				log.ErrorContext(ctx, "connection handler panic", slog.Group("error",
					"panic", p,
					"stack", string(debug.Stack()),
				))

				_ = WriteError(conn, 500, "Internal Server Error")
				_ = conn.Close()
			}
		}()

		next(ctx, conn)
	}
}

// LoggingMiddleware logs connection start and end at DEBUG level; actual
// request/response status is logged by the connection handler itself, since
// a response here may be written by a different goroutine much later.
func LoggingMiddleware(next Handler, log logging.Logger) Handler {
	return func(ctx context.Context, conn net.Conn) {
		log.DebugContext(ctx, "connection accepted", slog.Group("conn",
			"remote", conn.RemoteAddr().String(),
		))

		next(ctx, conn)

		log.DebugContext(ctx, "connection handler returned", slog.Group("conn",
			"remote", conn.RemoteAddr().String(),
		))
	}
}

// TracingMiddleware assigns a trace ID to the connection's context before
// any HTTP headers have been read: a freshly generated UUIDv7, encoded as
// lowercase Crockford base32. TraceIDFromRequest replaces it with an inbound
// X-Request-ID once the request has been parsed. The client IP is recorded
// in the context as well.
func TracingMiddleware(next Handler) Handler {
	return func(ctx context.Context, conn net.Conn) {
		ctx = context_.WithTraceID(ctx, newTraceID())
		ctx = context_.WithClientIP(ctx, clientIP(conn))

		next(ctx, conn)
	}
}

// TraceIDFromRequest prefers an inbound X-Request-ID header over the
// trace ID generated by TracingMiddleware.
func TraceIDFromRequest(ctx context.Context, req *Request) context.Context {
	if id, ok := req.Header(TraceIDHeader); ok && id != "" {
		return context_.WithTraceID(ctx, id)
	}

	return ctx
}

func newTraceID() string {
	id, err := uuid.New(uuid.UUIDv7)
	if err != nil {
		return ""
	}

	return encoding.EncodeCrockfordB32LC(id.Bytes())
}

func clientIP(conn net.Conn) string {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return conn.RemoteAddr().String()
	}

	return addr.IP.String()
}
