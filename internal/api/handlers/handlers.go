package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/argos/internal/api/middleware"
	"github.com/dvloznov/argos/internal/assistant"
	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/jobs"
	"github.com/dvloznov/argos/internal/logger"
	"github.com/dvloznov/argos/internal/pipeline"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxNotificationBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// NotificationHandler runs an ingestion batch for a push body.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, body []byte) *pipeline.BatchResult
}

// WebhookHandler receives mailbox change notifications.
type WebhookHandler struct {
	coord NotificationHandler
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(coord NotificationHandler) *WebhookHandler {
	return &WebhookHandler{coord: coord}
}

// Gmail handles POST /api/webhooks/gmail. It answers 200 whenever
// redelivery would not help, and 500 only for infrastructure failures.
func (h *WebhookHandler) Gmail(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read notification body")
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res := h.coord.HandleNotification(r.Context(), body)

	resp := map[string]interface{}{
		"state":      res.State,
		"inserted":   res.Inserted,
		"duplicates": res.Duplicates,
		"rejected":   res.Rejected,
		"deferred":   res.Deferred,
		"skipped":    res.Skipped,
	}
	if res.FailureReason != "" {
		resp["reason"] = res.FailureReason
	}

	if !res.Acknowledge() {
		log.Error().Err(res.Err).Str("mailbox", res.Mailbox).Msg("Notification processing failed; asking for redelivery")
		middleware.WriteJSON(w, http.StatusInternalServerError, resp)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// TransactionStore is the read/write surface used by the transactions API.
type TransactionStore interface {
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error)
	CreateManualTransaction(ctx context.Context, tx *domain.Transaction) error
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	store TransactionStore
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(store TransactionStore) *TransactionsHandler {
	return &TransactionsHandler{store: store}
}

type transactionResponse struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	Merchant          string    `json:"merchant"`
	Category          string    `json:"category"`
	Date              time.Time `json:"date"`
	Description       string    `json:"description,omitempty"`
	Source            string    `json:"source"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	BankName          *string   `json:"bank_name,omitempty"`
	AccountLast4      *string   `json:"account_last4,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func toTransactionResponse(tx *domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:                tx.ID.String(),
		OwnerID:           tx.OwnerID.String(),
		Amount:            tx.Amount.StringFixed(2),
		Currency:          tx.Currency,
		Merchant:          tx.Merchant,
		Category:          tx.Category,
		Date:              tx.Date,
		Description:       tx.Description,
		Source:            string(tx.Source),
		ProviderMessageID: tx.ProviderMessageID,
		BankName:          tx.BankName,
		AccountLast4:      tx.AccountLast4,
		CreatedAt:         tx.CreatedAt,
	}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	query := r.URL.Query()

	ownerID, err := uuid.Parse(query.Get("owner_id"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "owner_id must be a UUID")
		return
	}

	filter := domain.TransactionFilter{OwnerID: ownerID, Category: query.Get("category")}

	if s := query.Get("start_date"); s != "" {
		if filter.StartDate, err = time.Parse("2006-01-02", s); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid start_date format")
			return
		}
	}
	if s := query.Get("end_date"); s != "" {
		end, err := time.Parse("2006-01-02", s)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid end_date format")
			return
		}
		// end_date is inclusive.
		filter.EndDate = end.AddDate(0, 0, 1)
	}
	if filter.Limit, err = intParam(query.Get("limit"), 100); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	txs, err := h.store.ListTransactions(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

type createTransactionRequest struct {
	OwnerID     string          `json:"owner_id" validate:"required,uuid"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Merchant    string          `json:"merchant" validate:"required"`
	Category    string          `json:"category" validate:"required"`
	Date        string          `json:"date" validate:"required"`
	Description string          `json:"description"`
}

// CreateTransaction handles POST /api/transactions
func (h *TransactionsHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		middleware.WriteError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	date, err := parseDate(req.Date)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid date format")
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	tx := &domain.Transaction{
		OwnerID:     uuid.MustParse(req.OwnerID),
		Amount:      req.Amount,
		Currency:    currency,
		Merchant:    req.Merchant,
		Category:    req.Category,
		Date:        date,
		Description: req.Description,
	}
	if err := h.store.CreateManualTransaction(ctx, tx); err != nil {
		log.Error().Err(err).Msg("Failed to create transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// Replier answers chat messages.
type Replier interface {
	Reply(ctx context.Context, userID, message string) (string, error)
}

// ChatHandler handles the assistant endpoint.
type ChatHandler struct {
	assistant Replier
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(a Replier) *ChatHandler {
	return &ChatHandler{assistant: a}
}

// Chat handles POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id" validate:"required"`
		Message string `json:"message" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	answer, err := h.assistant.Reply(r.Context(), req.UserID, req.Message)
	if errors.Is(err, assistant.ErrEmptyMessage) {
		middleware.WriteError(w, http.StatusBadRequest, "message is empty")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("user_id", req.UserID).Msg("Assistant reply failed")
		middleware.WriteJSON(w, http.StatusInternalServerError, map[string]string{"content": "Error: assistant unavailable"})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"type": "text", "content": answer})
}

// WatchHandler enqueues mailbox watch renewals.
type WatchHandler struct {
	publisher jobs.Publisher
}

// NewWatchHandler creates a new watch handler.
func NewWatchHandler(publisher jobs.Publisher) *WatchHandler {
	return &WatchHandler{publisher: publisher}
}

// RenewWatch handles POST /api/watch
func (h *WatchHandler) RenewWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id" validate:"required,uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "owner_id must be a UUID")
		return
	}

	ctx := r.Context()
	log := logger.FromContext(ctx)
	job := &jobs.RenewWatchJob{OwnerID: uuid.MustParse(req.OwnerID)}
	if err := h.publisher.PublishRenewWatch(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue watch job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue watch job")
		return
	}

	log.Info().Str("job_id", job.JobID).Str("owner_id", req.OwnerID).Msg("Watch job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.JobID,
		"owner_id": req.OwnerID,
		"status":   string(job.Status),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	query := r.URL.Query()

	filter := jobs.JobFilter{Status: jobs.JobStatus(query.Get("status"))}
	if s := query.Get("owner_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "owner_id must be a UUID")
			return
		}
		filter.OwnerID = id
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
