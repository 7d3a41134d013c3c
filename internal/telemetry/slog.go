package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// emitter is the part of an OTel log.Logger the handler needs.
type emitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// Handler writes every record to an inner slog.Handler and forwards the ones
// the inner handler accepts to the OTel log provider.
type Handler struct {
	inner  slog.Handler
	out    emitter
	attrs  []otellog.KeyValue
	prefix string
}

// NewHandler wraps inner. Records are emitted through the logger named scope
// of the global log provider, which is a no-op until [Setup] installs one.
func NewHandler(inner slog.Handler, scope string) *Handler {
	return &Handler{inner: inner, out: global.GetLoggerProvider().Logger(scope)}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now())
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.prefix, a)...)
		return true
	})
	h.out.Emit(ctx, rec)

	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, convertAttr(h.prefix, a)...)
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.inner = h.inner.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return c
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	return &c
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	}
	return otellog.SeverityDebug
}

// convertAttr flattens groups into dotted keys.
func convertAttr(prefix string, a slog.Attr) []otellog.KeyValue {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		var out []otellog.KeyValue
		for _, g := range v.Group() {
			out = append(out, convertAttr(p, g)...)
		}
		return out
	}
	if a.Key == "" {
		return nil
	}

	key := prefix + a.Key
	switch v.Kind() {
	case slog.KindString:
		return []otellog.KeyValue{otellog.String(key, v.String())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, v.Int64())}
	case slog.KindUint64:
		return []otellog.KeyValue{otellog.Int64(key, int64(v.Uint64()))}
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, v.Float64())}
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, v.Bool())}
	case slog.KindDuration:
		return []otellog.KeyValue{otellog.String(key, v.Duration().String())}
	case slog.KindTime:
		return []otellog.KeyValue{otellog.String(key, v.Time().Format(time.RFC3339Nano))}
	}
	if err, ok := v.Any().(error); ok {
		return []otellog.KeyValue{otellog.String(key, err.Error())}
	}
	return []otellog.KeyValue{otellog.String(key, strings.TrimSpace(v.String()))}
}
