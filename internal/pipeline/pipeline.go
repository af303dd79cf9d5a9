package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/argos/internal/audit"
	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/events"
	"github.com/dvloznov/argos/internal/extractor"
	"github.com/dvloznov/argos/internal/mailbox"
	"github.com/rs/zerolog"
)

var errCanceled = errors.New("batch canceled")

// DefaultMaxAttempts is how many batches try a deferred message before it
// is dropped.
const DefaultMaxAttempts = 5

// Dependencies are the collaborators of a Coordinator. Events and Audit
// are optional.
type Dependencies struct {
	Owners       OwnerDirectory
	Watermarks   WatermarkStore
	Transactions TransactionStore
	Gateway      mailbox.Gateway
	Extractor    CandidateExtractor
	Events       events.Publisher
	Audit        audit.Recorder
	// ModelName is written to audit records.
	ModelName string
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
}

// Coordinator runs fetch, extract and insert-if-absent for one mailbox
// per notification. It holds no per-batch state, so batches for the same
// or different owners may run concurrently; the store's unique key and the
// forward-only watermark keep overlapping batches safe.
type Coordinator struct {
	deps Dependencies
	log  zerolog.Logger
}

// New creates a Coordinator.
func New(deps Dependencies, log zerolog.Logger) *Coordinator {
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{deps: deps, log: log.With().Str("component", "pipeline").Logger()}
}

// batch is the state of one IngestMailbox call.
type batch struct {
	owner   *domain.Owner
	session mailbox.Session
	res     *BatchResult
	// carried holds the ids of messages deferred by earlier batches.
	carried map[string]bool
}

// HandleNotification decodes a push body and ingests the named mailbox.
// The returned result is never nil; check Acknowledge for the reply status.
func (c *Coordinator) HandleNotification(ctx context.Context, body []byte) *BatchResult {
	n, err := DecodeNotification(body)
	if err != nil {
		c.log.Warn().Err(err).Msg("Discarding malformed notification")
		return (&BatchResult{State: StateReceived}).fail(err, false)
	}

	c.log.Debug().
		Str("mailbox", n.EmailAddress).
		Str("historyId", n.HistoryID).
		Str("deliveryId", n.DeliveryID).
		Msg("Notification received")

	return c.IngestMailbox(ctx, n.EmailAddress)
}

// IngestMailbox runs one batch for the mailbox at email. Messages deferred
// by earlier batches are retried first, then the delta since the watermark.
func (c *Coordinator) IngestMailbox(ctx context.Context, email string) *BatchResult {
	res := &BatchResult{State: StateReceived, Mailbox: email}
	log := c.log.With().Str("mailbox", email).Logger()

	owner, err := c.deps.Owners.FindOwnerByMailbox(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOwner) {
			log.Info().Msg("Ignoring notification for unregistered mailbox")
			return res.fail(err, false)
		}
		log.Error().Err(err).Msg("Owner lookup failed")
		return res.fail(fmt.Errorf("IngestMailbox: resolve owner: %w", err), true)
	}
	res.OwnerID = owner.ID
	res.State = StateResolvedOwner
	log = log.With().Str("owner_id", owner.ID.String()).Logger()

	before, err := c.deps.Watermarks.LoadWatermark(ctx, owner.ID)
	if err != nil {
		log.Error().Err(err).Msg("Loading watermark failed")
		return res.fail(fmt.Errorf("IngestMailbox: load watermark: %w", err), true)
	}
	res.WatermarkBefore = before
	res.WatermarkAfter = before

	pending, err := c.deps.Watermarks.PendingMessages(ctx, owner.ID)
	if err != nil {
		log.Error().Err(err).Msg("Loading deferred messages failed")
		return res.fail(fmt.Errorf("IngestMailbox: load pending: %w", err), true)
	}

	res.State = StateFetching
	session, err := c.deps.Gateway.Open(ctx, owner.ID)
	if err != nil {
		return c.listFailed(ctx, log, res, err)
	}
	listing, err := c.list(ctx, log, session, before)
	if err != nil {
		return c.listFailed(ctx, log, res, err)
	}
	res.Bootstrap = listing.Bootstrap
	res.Listed = len(listing.Refs)
	res.Retried = len(pending)

	b := &batch{owner: owner, session: session, res: res, carried: make(map[string]bool, len(pending))}
	refs := make([]domain.MessageRef, 0, len(pending)+len(listing.Refs))
	for _, p := range pending {
		b.carried[p.Ref.ID] = true
		refs = append(refs, p.Ref)
	}
	for _, ref := range listing.Refs {
		if !b.carried[ref.ID] {
			refs = append(refs, ref)
		}
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("Batch canceled; watermark left unchanged")
			return res.fail(fmt.Errorf("IngestMailbox: %w: %v", errCanceled, ctx.Err()), true)
		}
		if err := c.processMessage(ctx, log, b, ref); err != nil {
			return res
		}
	}

	after := domain.LaterWatermark(before, listing.Watermark)
	if err := c.deps.Watermarks.AdvanceWatermark(ctx, owner.ID, after); err != nil {
		log.Error().Err(err).Str("watermark", after).Msg("Advancing watermark failed")
		return res.fail(fmt.Errorf("IngestMailbox: advance watermark: %w", err), true)
	}
	res.WatermarkAfter = after
	res.State = StateDone

	log.Info().
		Bool("bootstrap", res.Bootstrap).
		Int("listed", res.Listed).
		Int("retried", res.Retried).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("rejected", res.Rejected).
		Int("deferred", res.Deferred).
		Int("skipped", res.Skipped).
		Str("watermark", after).
		Msg("Batch complete")
	return res
}

// list asks for the delta since before, falling back to a bootstrap
// listing when the provider has expired the cursor.
func (c *Coordinator) list(ctx context.Context, log zerolog.Logger, session mailbox.Session, before string) (*domain.Listing, error) {
	listing, err := session.ListCandidateMessages(ctx, before)
	if errors.Is(err, domain.ErrWatermarkExpired) && before != "" {
		log.Warn().Err(err).Str("watermark", before).Msg("Watermark expired; bootstrapping")
		listing, err = session.ListCandidateMessages(ctx, "")
	}
	return listing, err
}

func (c *Coordinator) listFailed(ctx context.Context, log zerolog.Logger, res *BatchResult, err error) *BatchResult {
	switch {
	case errors.Is(err, domain.ErrCredential):
		log.Error().Err(err).Msg("Mail credentials unusable; batch stopped")
		return res.fail(err, false)
	case ctx.Err() != nil:
		return res.fail(fmt.Errorf("IngestMailbox: %w: %v", errCanceled, ctx.Err()), true)
	default:
		log.Error().Err(err).Msg("Listing candidate messages failed")
		return res.fail(fmt.Errorf("IngestMailbox: list: %w", err), true)
	}
}

// processMessage handles one ref. A non-nil error means the batch has
// failed and b.res already carries the failure.
func (c *Coordinator) processMessage(ctx context.Context, log zerolog.Logger, b *batch, ref domain.MessageRef) error {
	log = log.With().Str("message_id", ref.ID).Logger()
	res := b.res

	res.State = StateFetching
	msg, err := b.session.FetchFullMessage(ctx, ref)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCredential):
			log.Error().Err(err).Msg("Mail credentials unusable; batch stopped")
			res.fail(err, false)
			return err
		case ctx.Err() != nil:
			res.fail(fmt.Errorf("IngestMailbox: %w: %v", errCanceled, ctx.Err()), true)
			return res.Err
		case errors.Is(err, domain.ErrNotFound):
			log.Info().Msg("Message no longer exists; skipping")
			res.Skipped++
			c.settle(ctx, log, b, ref)
			return nil
		default:
			return c.deferMessage(ctx, log, b, ref, err)
		}
	}
	res.Fetched++

	res.State = StateExtracting
	outcome := c.deps.Extractor.ExtractDetailed(ctx, msg.Text(), msg.ReceivedAt)
	c.record(ctx, log, b.owner, msg, outcome)
	if !outcome.Accepted() {
		if ctx.Err() != nil {
			res.fail(fmt.Errorf("IngestMailbox: %w: %v", errCanceled, ctx.Err()), true)
			return res.Err
		}
		log.Debug().Str("reason", string(outcome.Reason)).Msg("No transaction extracted")
		res.Rejected++
		c.settle(ctx, log, b, ref)
		return nil
	}

	res.State = StatePersisting
	tx := outcome.Candidate.ToTransaction(b.owner.ID, msg)
	inserted, err := c.deps.Transactions.InsertIfAbsent(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			res.fail(fmt.Errorf("IngestMailbox: %w: %v", errCanceled, ctx.Err()), true)
			return res.Err
		}
		return c.deferMessage(ctx, log, b, ref, fmt.Errorf("persist: %w", err))
	}
	c.settle(ctx, log, b, ref)
	if !inserted {
		log.Debug().Msg("Transaction already recorded")
		res.Duplicates++
		return nil
	}

	res.Inserted++
	log.Info().
		Str("merchant", tx.Merchant).
		Str("amount", tx.Amount.String()).
		Str("currency", tx.Currency).
		Msg("Transaction recorded")

	if err := c.deps.Events.PublishTransactionIngested(ctx, events.NewTransactionIngested(tx)); err != nil {
		log.Warn().Err(err).Msg("Publishing transaction event failed")
	}
	return nil
}

// deferMessage keeps ref for the next batch. A message that keeps failing is
// dropped after MaxAttempts batches. Failing to record the deferral fails
// the batch with a retry so the watermark does not move past the message.
func (c *Coordinator) deferMessage(ctx context.Context, log zerolog.Logger, b *batch, ref domain.MessageRef, cause error) error {
	attempts, err := c.deps.Watermarks.MarkPending(ctx, b.owner.ID, ref, cause.Error())
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("Recording message for retry failed")
		b.res.fail(fmt.Errorf("IngestMailbox: defer %s: %w", ref.ID, err), true)
		return b.res.Err
	}

	if attempts >= c.deps.MaxAttempts {
		log.Error().Err(cause).Int("attempts", attempts).Msg("Message keeps failing; giving up")
		b.res.Skipped++
		if err := c.deps.Watermarks.ClearPending(ctx, b.owner.ID, ref.ID); err != nil {
			log.Warn().Err(err).Msg("Dropping deferred message failed")
		}
		return nil
	}

	log.Warn().Err(cause).Int("attempts", attempts).Msg("Message deferred to the next batch")
	b.res.Deferred++
	return nil
}

// settle removes a carried-over message from the retry set once it has a
// final outcome. A failed clear only costs a duplicate check next batch.
func (c *Coordinator) settle(ctx context.Context, log zerolog.Logger, b *batch, ref domain.MessageRef) {
	if !b.carried[ref.ID] {
		return
	}
	if err := c.deps.Watermarks.ClearPending(ctx, b.owner.ID, ref.ID); err != nil {
		log.Warn().Err(err).Msg("Clearing deferred message failed")
	}
}

func (c *Coordinator) record(ctx context.Context, log zerolog.Logger, owner *domain.Owner, msg *domain.RawMessage, out *extractor.Outcome) {
	if out.Reason == extractor.ReasonTransport {
		return
	}
	err := c.deps.Audit.Record(ctx, &audit.Record{
		OwnerID:   owner.ID,
		MessageID: msg.ID,
		ModelName: c.deps.ModelName,
		RawOutput: out.RawOutput,
		Accepted:  out.Accepted(),
		Reason:    string(out.Reason),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Recording model output failed")
	}
}
