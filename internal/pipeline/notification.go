package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// pushEnvelope is the outer body POSTed by the push subscription.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data" validate:"required"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// mailboxChange is the decoded data field.
type mailboxChange struct {
	EmailAddress string      `json:"emailAddress" validate:"required,email"`
	HistoryID    json.Number `json:"historyId"`
}

// Notification says "mailbox EmailAddress may have new messages".
type Notification struct {
	EmailAddress string
	// HistoryID is the provider's cursor at push time. Informational only;
	// the batch lists from the stored watermark.
	HistoryID    string
	DeliveryID   string
	Subscription string
}

// DecodeNotification parses a push body. Every failure wraps
// domain.ErrMalformedNotification.
func DecodeNotification(body []byte) (*Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("DecodeNotification: envelope: %v: %w", err, domain.ErrMalformedNotification)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("DecodeNotification: envelope: %v: %w", err, domain.ErrMalformedNotification)
	}

	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("DecodeNotification: data: %v: %w", err, domain.ErrMalformedNotification)
	}

	var change mailboxChange
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&change); err != nil {
		return nil, fmt.Errorf("DecodeNotification: payload: %v: %w", err, domain.ErrMalformedNotification)
	}
	change.EmailAddress = strings.TrimSpace(change.EmailAddress)
	if err := validate.Struct(&change); err != nil {
		return nil, fmt.Errorf("DecodeNotification: payload: %v: %w", err, domain.ErrMalformedNotification)
	}

	return &Notification{
		EmailAddress: change.EmailAddress,
		HistoryID:    change.HistoryID.String(),
		DeliveryID:   env.Message.MessageID,
		Subscription: env.Subscription,
	}, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
