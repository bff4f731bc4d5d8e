package logger

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// AsyncHandler buffers records on a channel and drains them on a single
// background goroutine, decoupling the caller from slow sink I/O.
type AsyncHandler struct {
	next       slog.Handler
	records    chan asyncRecord
	dropOnFull bool
	closeOnce  sync.Once
}

type asyncRecord struct {
	ctx context.Context
	r   slog.Record
}

// NewAsyncHandler wraps next with a buffered channel of the given size. If
// dropOnFull is true, records are discarded rather than blocking the
// caller when the buffer is saturated; otherwise the caller blocks.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	h := &AsyncHandler{
		next:       next,
		records:    make(chan asyncRecord, bufferSize),
		dropOnFull: dropOnFull,
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	for rec := range h.records {
		_ = h.next.Handle(rec.ctx, rec.r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := asyncRecord{ctx: ctx, r: r.Clone()}
	if h.dropOnFull {
		select {
		case h.records <- rec:
		default:
		}
		return nil
	}
	h.records <- rec
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records, dropOnFull: h.dropOnFull}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records, dropOnFull: h.dropOnFull}
}

// SamplingHandler passes through a fraction of records, chosen
// independently per record. Records at WARN and above are always
// forwarded; sampling applies only to lower levels.
type SamplingHandler struct {
	next slog.Handler
	rate float64
}

// NewSamplingHandler forwards roughly rate (0.0-1.0) of handled records
// below WARN, and every record at WARN or above.
func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{next: next, rate: rate}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || rand.Float64() < h.rate {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate}
}

// RedactHandler masks attribute values that look like PII (emails, credit
// card-shaped digit runs) regardless of the attribute's key, so a caller
// logging a raw struct field doesn't have to know its name is sensitive.
type RedactHandler struct {
	next slog.Handler
}

// NewRedactHandler wraps next, redacting matching attribute values.
func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ccDigitsRegex = regexp.MustCompile(`(?:\d[ -]?){13,19}`)
)

func redactString(s string) (string, bool) {
	redacted := false
	if emailPattern.MatchString(s) {
		s = emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]")
		redacted = true
	}
	if ccDigitsRegex.MatchString(s) {
		s = ccDigitsRegex.ReplaceAllStringFunc(s, func(m string) string {
			digits := strings.Map(func(r rune) rune {
				if r >= '0' && r <= '9' {
					return r
				}
				return -1
			}, m)
			if len(digits) >= 13 {
				return "[REDACTED_CC]"
			}
			return m
		})
		redacted = true
	}
	return s, redacted
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		if redacted, changed := redactString(a.Value.String()); changed {
			a.Value = slog.StringValue(redacted)
		}
	}
	return a
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}
