package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// keyMaterialAttr matches attribute keys whose values are never logged,
// whatever they hold.
var keyMaterialAttr = regexp.MustCompile(`(?i)(mnemonic|seed|entropy|private_?key|secret|password|token)`)

// RedactingHandler masks secrets in log messages and attribute values
// before handing records to the next handler. Attributes named after key
// material are replaced outright, so a snap result logged by mistake
// cannot leak a derived key.
type RedactingHandler struct {
	next slog.Handler
	r    *Redactor
}

var _ slog.Handler = (*RedactingHandler)(nil)

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler, r *Redactor) *RedactingHandler {
	return &RedactingHandler{next: next, r: r}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.r.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.mask(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.mask(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(masked), r: h.r}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), r: h.r}
}

func (h *RedactingHandler) mask(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		masked := make([]slog.Attr, len(group))
		for i, ga := range group {
			masked[i] = h.mask(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	case slog.KindString:
		if keyMaterialAttr.MatchString(a.Key) {
			return slog.String(a.Key, RedactPlaceholder)
		}
		return slog.String(a.Key, h.r.Redact(v.String()))
	case slog.KindAny:
		if keyMaterialAttr.MatchString(a.Key) {
			return slog.String(a.Key, RedactPlaceholder)
		}
		var s string
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
		if masked := h.r.Redact(s); masked != s {
			return slog.String(a.Key, masked)
		}
		return slog.Attr{Key: a.Key, Value: v}
	default:
		if keyMaterialAttr.MatchString(a.Key) {
			return slog.String(a.Key, RedactPlaceholder)
		}
		return slog.Attr{Key: a.Key, Value: v}
	}
}
