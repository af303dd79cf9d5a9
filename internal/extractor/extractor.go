package extractor

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Reason explains why an extraction produced (or did not produce) a candidate.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonTransport      Reason = "transport_error"
	ReasonEmptyOutput    Reason = "empty_output"
	ReasonMalformed      Reason = "malformed_output"
	ReasonNotTransaction Reason = "not_transaction"
	ReasonInvalidAmount  Reason = "invalid_amount"
	ReasonInvalidFields  Reason = "invalid_fields"
)

// Outcome is the full result of one extraction, kept for auditing.
type Outcome struct {
	Candidate *domain.TransactionCandidate
	RawOutput string
	Reason    Reason
	Err       error
}

// Accepted reports whether a candidate was produced.
func (o *Outcome) Accepted() bool {
	return o.Candidate != nil
}

// Extractor turns message text into a validated TransactionCandidate.
// A single model call is made per message; failures are never retried.
type Extractor struct {
	gen      TextGenerator
	validate *validator.Validate
	log      zerolog.Logger
}

// New creates an Extractor on top of gen.
func New(gen TextGenerator, log zerolog.Logger) *Extractor {
	return &Extractor{
		gen:      gen,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Extract returns a candidate, or nil when the message is not a usable
// transaction for any reason.
func (e *Extractor) Extract(ctx context.Context, text string, ref time.Time) *domain.TransactionCandidate {
	return e.ExtractDetailed(ctx, text, ref).Candidate
}

// ExtractDetailed is Extract plus the raw model output and the rejection reason.
func (e *Extractor) ExtractDetailed(ctx context.Context, text string, ref time.Time) *Outcome {
	if ref.IsZero() {
		ref = time.Now().UTC()
	}

	raw, err := e.gen.Generate(ctx, buildPrompt(text, ref))
	if err != nil {
		e.log.Warn().Err(err).Msg("Extraction model call failed")
		return &Outcome{Reason: ReasonTransport, Err: err}
	}

	out := &Outcome{RawOutput: raw}

	clean := cleanModelJSON(raw)
	if clean == "" {
		out.Reason = ReasonEmptyOutput
		return out
	}

	obj, err := decodeObject(clean)
	if err != nil {
		out.Reason, out.Err = ReasonMalformed, err
		return out
	}

	candidate, err := transformModelOutputToCandidate(obj, ref)
	switch {
	case errors.Is(err, errNotTransaction):
		out.Reason = ReasonNotTransaction
		return out
	case errors.Is(err, errInvalidAmount):
		out.Reason, out.Err = ReasonInvalidAmount, err
		return out
	case err != nil:
		out.Reason, out.Err = ReasonInvalidFields, err
		return out
	}

	if err := e.validate.Struct(candidate); err != nil {
		out.Reason, out.Err = ReasonInvalidFields, err
		return out
	}

	out.Candidate = candidate
	out.Reason = ReasonAccepted
	return out
}
