package pipeline

import (
	"encoding/base64"
	"testing"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushBody(data string) []byte {
	return []byte(`{"message":{"data":"` + data + `","messageId":"2070443601311540","publishTime":"2026-03-01T10:00:00Z"},` +
		`"subscription":"projects/argos/subscriptions/gmail-push"}`)
}

func TestDecodeNotification(t *testing.T) {
	payload := `{"emailAddress":"a@x.com","historyId":9876543210}`

	for name, enc := range map[string]*base64.Encoding{
		"std":     base64.StdEncoding,
		"url":     base64.URLEncoding,
		"raw_std": base64.RawStdEncoding,
		"raw_url": base64.RawURLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			n, err := DecodeNotification(pushBody(enc.EncodeToString([]byte(payload))))
			require.NoError(t, err)
			assert.Equal(t, "a@x.com", n.EmailAddress)
			assert.Equal(t, "9876543210", n.HistoryID)
			assert.Equal(t, "2070443601311540", n.DeliveryID)
			assert.Equal(t, "projects/argos/subscriptions/gmail-push", n.Subscription)
		})
	}
}

func TestDecodeNotification_HistoryIDAsString(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@x.com","historyId":"12345"}`))
	n, err := DecodeNotification(pushBody(data))
	require.NoError(t, err)
	assert.Equal(t, "12345", n.HistoryID)
}

func TestDecodeNotification_Malformed(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("hello")},
		{"empty object", []byte(`{}`)},
		{"missing data", []byte(`{"message":{"messageId":"1"}}`)},
		{"bad base64", pushBody("!!!not-base64!!!")},
		{"data not json", pushBody(enc("plain text"))},
		{"missing email", pushBody(enc(`{"historyId":1}`))},
		{"invalid email", pushBody(enc(`{"emailAddress":"not-an-address","historyId":1}`))},
		{"wrong history type", pushBody(enc(`{"emailAddress":"a@x.com","historyId":{"x":1}}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := DecodeNotification(tt.body)
			assert.Nil(t, n)
			assert.ErrorIs(t, err, domain.ErrMalformedNotification)
		})
	}
}
