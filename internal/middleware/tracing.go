package middleware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*
LEARNING: ONE TRACE PER CONNECTION, ONE SPAN PER FRAME

The relay serves two kinds of HTTP traffic:

  GET /api/...            short request/response, the span covers all of it
  GET /ws/document/{id}   the span covers the upgrade handshake only

Once a connection is hijacked for WebSocket, the HTTP span ends and the
session's read pump opens one child span per frame from the same context.
The sync engine uses the same helpers for flushes and applied batches.

Spans are named after the mux route template ("GET /ws/document/{id}"), not
the raw path, so every document shares one operation name in Jaeger and the
id travels as an attribute instead.

No provider installed (tests, the terminal client) means every span is a no-op.
*/

const tracerName = "textsync"

type contextKey string

const requestIDKey contextKey = "request_id"

// TracingMiddleware opens the server span for a request and tags it with a
// KSUID request id, echoed back in X-Request-ID.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := ksuid.New().String()
		route := routeName(r)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request.id", requestID),
		}
		if id, ok := mux.Vars(r)["id"]; ok {
			attrs = append(attrs, attribute.String("document.id", id))
		}

		ctx, span := otel.Tracer(tracerName).Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r.WithContext(ctx))
		elapsed := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.statusCode),
			attribute.Bool("websocket.upgraded", wrapped.hijacked),
		)
		if wrapped.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}

		// For an upgrade the handler returns as soon as the pumps start
		if wrapped.hijacked {
			log.Printf("[%s] %s %s - upgraded (%dms)", requestID, r.Method, r.URL.Path, elapsed.Milliseconds())
			return
		}
		log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, wrapped.statusCode, elapsed.Milliseconds())
	})
}

// routeName is the matched route template, or the raw path for unmatched requests
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// ErrorRecoveryMiddleware turns a handler panic into a 500 and an error span.
// Nothing is written back once the connection was hijacked.
func ErrorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			stack := debug.Stack()
			span := trace.SpanFromContext(r.Context())
			span.RecordError(fmt.Errorf("panic: %v", rec))
			span.SetStatus(codes.Error, "panic recovered")
			span.SetAttributes(attribute.String("error.stacktrace", string(stack)))

			log.Printf("[%s] ❌ PANIC in %s: %v\n%s", GetRequestID(r.Context()), r.URL.Path, rec, stack)

			if h, ok := w.(interface{ Hijacked() bool }); ok && h.Hijacked() {
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware allows browser clients from any origin. The relay only
// serves GET (including the WebSocket handshake), so preflights stop here.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriterWrapper records the status and whether the connection was
// taken over by a WebSocket upgrade
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

var errNotHijacker = errors.New("response writer does not implement http.Hijacker")

// Hijack lets gorilla's upgrader reach the underlying connection
func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
		w.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *responseWriterWrapper) Hijacked() bool { return w.hijacked }

func (w *responseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// StartSpan opens a child span, e.g. per relayed frame or engine flush:
//
//	ctx, span := middleware.StartSpan(ctx, "SessionManager.Publish",
//	    attribute.String("document.id", docID))
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError marks the span in ctx as failed. A nil error is ignored.
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// GetRequestID returns the id set by TracingMiddleware, or "unknown"
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
