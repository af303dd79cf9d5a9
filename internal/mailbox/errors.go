package mailbox

import (
	"context"
	"errors"
	"net/http"

	"github.com/dvloznov/argos/internal/domain"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// rateLimitReasons are 403 reasons that mean "slow down", not "forbidden".
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps a provider or transport error onto the ingestion taxonomy.
// Context errors are returned untouched so callers can tell cancellation apart.
func classify(err error, messageID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return domain.NewFetchError(domain.ErrCredential, messageID, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return domain.NewFetchError(domain.ErrCredential, messageID, err)
		case apiErr.Code == http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if rateLimitReasons[item.Reason] {
					return domain.NewFetchError(domain.ErrTransientFetch, messageID, err)
				}
			}
			return domain.NewFetchError(domain.ErrCredential, messageID, err)
		case apiErr.Code == http.StatusNotFound:
			return domain.NewFetchError(domain.ErrNotFound, messageID, err)
		}
	}

	return domain.NewFetchError(domain.ErrTransientFetch, messageID, err)
}
