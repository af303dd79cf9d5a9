package handlers

import (
	"net/http"

	"github.com/dvloznov/argos/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Router groups the API handlers.
type Router struct {
	Webhook      *WebhookHandler
	Transactions *TransactionsHandler
	Chat         *ChatHandler
	Watch        *WatchHandler
	Jobs         *JobsHandler

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string
}

// Handler registers every route and wraps the mux in the standard middleware.
func (rt *Router) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/webhooks/gmail", rt.Webhook.Gmail)
	mux.HandleFunc("GET /api/transactions", rt.Transactions.ListTransactions)
	mux.HandleFunc("POST /api/transactions", rt.Transactions.CreateTransaction)
	mux.HandleFunc("POST /api/chat", rt.Chat.Chat)
	mux.HandleFunc("POST /api/watch", rt.Watch.RenewWatch)
	mux.HandleFunc("GET /api/jobs", rt.Jobs.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", rt.Jobs.GetJob)
	mux.HandleFunc("GET /health", Health)

	return middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.CORS(rt.CORSOrigins),
	)
}
