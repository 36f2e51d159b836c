// Package flow runs the per-session slot-filling conversation for device
// rental intake.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/DeviceIntake/internal/extract"
	"github.com/BTreeMap/DeviceIntake/internal/inventory"
	"github.com/BTreeMap/DeviceIntake/internal/models"
	"github.com/BTreeMap/DeviceIntake/internal/session"
	"github.com/BTreeMap/DeviceIntake/internal/slots"
	"github.com/BTreeMap/DeviceIntake/internal/summary"
	"github.com/BTreeMap/DeviceIntake/internal/validate"
)

// ConfirmSlot is the pseudo-field of the confirmation step.
const ConfirmSlot = "confirm"

// DefaultMaxErrorsPerSlot is the number of failed device model answers
// tolerated before the escape token is recorded.
const DefaultMaxErrorsPerSlot = 2

const notApplicable = "N/A"

// RegistrySource yields the current field registry snapshot.
type RegistrySource interface {
	Load(force bool) *slots.Registry
}

// Recommender suggests inventory for the collected data. Implementations
// must not fail; problems are reported through the returned reason.
type Recommender interface {
	Suggest(ctx context.Context, data map[string]any) inventory.Recommendation
}

// RequestSink receives confirmed intake requests.
type RequestSink interface {
	SaveIntakeRequest(r models.IntakeRequest) error
}

// RenderFunc formats the completion summary.
type RenderFunc func(data map[string]any, rec inventory.Recommendation) string

// Opts holds configuration for the Engine.
type Opts struct {
	Recommender      Recommender
	Sink             RequestSink
	Render           RenderFunc
	MaxErrorsPerSlot int
	UseErrorPrompts  bool
}

// Option configures the Engine.
type Option func(*Opts)

// WithRecommender sets the inventory recommender.
func WithRecommender(r Recommender) Option {
	return func(o *Opts) { o.Recommender = r }
}

// WithRequestSink sets where confirmed requests are recorded.
func WithRequestSink(s RequestSink) Option {
	return func(o *Opts) { o.Sink = s }
}

// WithRenderer overrides the summary renderer.
func WithRenderer(fn RenderFunc) Option {
	return func(o *Opts) { o.Render = fn }
}

// WithMaxErrorsPerSlot sets the device model retry bound.
func WithMaxErrorsPerSlot(n int) Option {
	return func(o *Opts) { o.MaxErrorsPerSlot = n }
}

// WithErrorPrompts shows a field's error text when re-asking for an invalid value.
func WithErrorPrompts(enabled bool) Option {
	return func(o *Opts) { o.UseErrorPrompts = enabled }
}

// Engine is the slot-filling controller.
type Engine struct {
	registry  RegistrySource
	validator *validate.Validator
	sessions  *session.Store

	recommender Recommender
	sink        RequestSink
	render      RenderFunc
	maxErrors   int
	useErrors   bool
}

// NewEngine creates an Engine.
func NewEngine(registry RegistrySource, validator *validate.Validator, sessions *session.Store, opts ...Option) *Engine {
	cfg := Opts{MaxErrorsPerSlot: DefaultMaxErrorsPerSlot}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Recommender == nil {
		cfg.Recommender = inventory.NewRecommender(nil, 0)
	}
	if cfg.Render == nil {
		cfg.Render = summary.Render
	}
	if cfg.MaxErrorsPerSlot <= 0 {
		cfg.MaxErrorsPerSlot = DefaultMaxErrorsPerSlot
	}
	slog.Debug("flow.NewEngine", "max_errors_per_slot", cfg.MaxErrorsPerSlot, "error_prompts", cfg.UseErrorPrompts, "sink", cfg.Sink != nil)
	return &Engine{
		registry:    registry,
		validator:   validator,
		sessions:    sessions,
		recommender: cfg.Recommender,
		sink:        cfg.Sink,
		render:      cfg.Render,
		maxErrors:   cfg.MaxErrorsPerSlot,
		useErrors:   cfg.UseErrorPrompts,
	}
}

// Registry returns the registry snapshot the next message would use.
func (e *Engine) Registry() *slots.Registry {
	return e.registry.Load(false)
}

// Session returns a copy of the state held for sessionID.
func (e *Engine) Session(sessionID string) (session.State, bool) {
	return e.sessions.Snapshot(sessionID)
}

// HandleMessage processes one inbound message and returns the reply. The
// only error is an invalid session identifier; unexpected input is answered
// with a re-prompt.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text string) (string, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}

	reg := e.registry.Load(false)
	raw := strings.TrimSpace(text)

	var reply string
	e.sessions.With(sessionID, reg.First(), func(st *session.State) {
		reply = e.step(ctx, sessionID, reg, st, raw)
	})
	return reply, nil
}

func (e *Engine) step(ctx context.Context, sessionID string, reg *slots.Registry, st *session.State, raw string) string {
	if extract.IsReset(raw) {
		*st = *e.sessions.New(reg.First())
		slog.Info("Engine.HandleMessage: session reset", "session_id", sessionID)
		if reg.First() == "" {
			return ResetEmptyMessage
		}
		return reg.PromptFor(reg.First())
	}

	if st.CurrentSlot == ConfirmSlot {
		return e.confirm(sessionID, st, raw)
	}

	extracted := extract.Extract(raw, reg)
	e.merge(reg, st, extracted)

	if st.CurrentSlot == slots.FieldQuantity && !e.holdsValid(reg, st, slots.FieldQuantity) {
		if q, ok := extract.CoerceQuantityLoose(raw); ok {
			st.Data[slots.FieldQuantity] = q
		}
	}

	if reply, asked := e.scan(reg, st, raw, extracted); asked {
		slog.Debug("Engine.HandleMessage: prompting", "session_id", sessionID, "field", st.CurrentSlot, "turns", st.Turns)
		return reply
	}
	return e.complete(ctx, sessionID, st)
}

// merge writes extracted candidates into the session. A valid value is
// kept, except that set-valued fields grow by union.
func (e *Engine) merge(reg *slots.Registry, st *session.State, extracted map[string]any) {
	for field, candidate := range extracted {
		if validate.IsEmpty(candidate) {
			continue
		}
		if !e.holdsValid(reg, st, field) {
			st.Data[field] = candidate
			continue
		}
		prev, prevIsSet := st.Data[field].([]string)
		next, nextIsSet := candidate.([]string)
		if prevIsSet && nextIsSet {
			st.Data[field] = union(prev, next)
		}
	}
}

// holdsValid reports whether field has a non-empty value that validates.
func (e *Engine) holdsValid(reg *slots.Registry, st *session.State, field string) bool {
	v, ok := st.Data[field]
	return ok && !validate.IsEmpty(v) && e.validator.Valid(field, v, reg)
}

// scan walks the registry order and asks for the first field that needs an
// answer. It returns false when every field is settled.
func (e *Engine) scan(reg *slots.Registry, st *session.State, raw string, extracted map[string]any) (string, bool) {
	for _, field := range reg.Order {
		def, _ := reg.Def(field)
		required := def.Required
		value, ok := st.Data[field]
		present := ok && !validate.IsEmpty(value)
		valid := present && e.validator.Valid(field, value, reg)

		switch field {
		case slots.FieldVPNOK:
			if loc := strings.TrimSpace(stringValue(st.Data[slots.FieldLocation])); loc != "" && loc != extract.LocationOther {
				st.Data[field] = notApplicable
				continue
			}
			required = true
			if st.LastPrompted == field && !valid {
				if answer, ok := yesNo(raw); ok {
					st.Data[field] = answer
					present, valid = true, true
				}
			}

		case slots.FieldNeedOSVersion:
			required = true
			if st.LastPrompted == field && !valid {
				if answer, ok := yesNo(raw); ok {
					st.Data[field] = answer
					present, valid = true, true
				}
			}

		case slots.FieldOSVersion:
			if !strings.EqualFold(stringValue(st.Data[slots.FieldNeedOSVersion]), "yes") {
				st.Data[field] = ""
				continue
			}
			required = true
			if st.LastPrompted == field && !valid {
				if extract.IsUncertain(raw) || extract.IsNo(raw) {
					st.Data[slots.FieldNeedOSVersion] = "No"
					st.Data[field] = ""
					continue
				}
				if digits, ok := extract.BareInt(raw); ok {
					if platform := strings.TrimSpace(stringValue(st.Data[slots.FieldPlatform])); platform != "" {
						st.Data[field] = platform + " " + digits
						present = true
						valid = e.validator.Valid(field, st.Data[field], reg)
					}
				}
			}
		}

		needAsk := (required && (!present || !valid)) || (!required && present && !valid)
		if !needAsk {
			continue
		}

		if field != st.LastPrompted {
			st.ErrorsInRow = 0
		}
		st.CurrentSlot = field
		st.LastPrompted = field
		e.sessions.Bump(st)

		platform := stringValue(st.Data[slots.FieldPlatform])
		if field == slots.FieldDeviceModel {
			if _, attempted := extracted[field]; attempted && !valid {
				st.ErrorsInRow++
				if st.ErrorsInRow < e.maxErrors {
					return modelHint(platform), true
				}
				slog.Debug("Engine.scan: device model retries exhausted", "errors", st.ErrorsInRow)
				st.Data[field] = extract.EscapeToken
				st.ErrorsInRow = 0
				continue
			}
		}
		return fieldPrompt(reg, field, platform, present && !valid, e.useErrors), true
	}
	return "", false
}

func (e *Engine) complete(ctx context.Context, sessionID string, st *session.State) string {
	st.CurrentSlot = ConfirmSlot
	st.ErrorsInRow = 0
	e.sessions.Bump(st)

	data := st.Clone().Data
	rec := e.recommender.Suggest(ctx, data)
	st.RecommendationStatus = rec.Status
	slog.Info("Engine.HandleMessage: intake complete", "session_id", sessionID, "recommendation", rec.Status, "matches", len(rec.Matches))
	return e.render(data, rec) + ConfirmSuffix
}

func (e *Engine) confirm(sessionID string, st *session.State, raw string) string {
	e.sessions.Bump(st)
	switch {
	case extract.IsConfirmYes(raw):
		first := !st.Confirmed
		st.Confirmed = true
		st.Done = true
		if first {
			e.record(sessionID, st)
		}
		return ConfirmedMessage
	case extract.IsConfirmNo(raw):
		st.Done = true
		slog.Info("Engine.HandleMessage: request declined", "session_id", sessionID)
		return DeclinedMessage
	}
	return ConfirmRetryMessage
}

// record hands a confirmed request to the sink. Failures are logged only.
func (e *Engine) record(sessionID string, st *session.State) {
	if e.sink == nil {
		slog.Info("Engine.HandleMessage: request confirmed", "session_id", sessionID)
		return
	}
	req := models.IntakeRequest{
		ID:                   uuid.NewString(),
		SessionID:            sessionID,
		Data:                 st.Clone().Data,
		RecommendationStatus: st.RecommendationStatus,
		CreatedAt:            time.Now(),
	}
	if err := e.sink.SaveIntakeRequest(req); err != nil {
		slog.Error("Engine.HandleMessage: failed to record confirmed request", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("Engine.HandleMessage: request confirmed", "session_id", sessionID, "request_id", req.ID)
}

func yesNo(raw string) (string, bool) {
	switch {
	case extract.IsYes(raw):
		return "Yes", true
	case extract.IsNo(raw):
		return "No", true
	}
	return "", false
}

// union merges two sets, deduplicated and sorted.
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return fmt.Sprint(v)
}
