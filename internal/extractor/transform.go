package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	errNotTransaction = errors.New("model flagged message as not a transaction")
	errInvalidAmount  = errors.New("amount missing, unparsable or not positive")
)

var amountJunk = regexp.MustCompile(`[^0-9.\-]`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
}

// cleanModelJSON strips Markdown fences and any chatter around the first
// JSON object in the model output.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```json")
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = s[start : end+1]
		}
	}

	return strings.TrimSpace(s)
}

// decodeObject parses cleaned output into a generic object, keeping numbers
// as json.Number so amounts survive without float rounding.
func decodeObject(clean string) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decodeObject: unmarshal JSON: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("decodeObject: top-level value is not an object")
	}
	return obj, nil
}

// transformModelOutputToCandidate converts the decoded object into a typed
// candidate. ref fills in a missing or unparsable date.
func transformModelOutputToCandidate(obj map[string]interface{}, ref time.Time) (*domain.TransactionCandidate, error) {
	isTx, err := getBoolField(obj, "isTransaction")
	if err != nil {
		return nil, err
	}
	if !isTx {
		return nil, errNotTransaction
	}

	amount, err := getAmountField(obj, "amount")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidAmount, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", errInvalidAmount, amount.String())
	}

	merchant, err := getStringField(obj, "merchant", true)
	if err != nil {
		return nil, err
	}

	currency, err := getOptionalStringField(obj, "currency")
	if err != nil {
		return nil, err
	}
	cur := domain.DefaultCurrency
	if currency != nil {
		cur = normalizeCurrency(*currency)
	}

	category, err := getOptionalStringField(obj, "category")
	if err != nil {
		return nil, err
	}
	cat := "Other"
	if category != nil {
		cat = *category
	}

	date := ref
	if dateStr, err := getOptionalStringField(obj, "date"); err == nil && dateStr != nil {
		if parsed, ok := parseDate(*dateStr); ok {
			date = parsed
		}
	}

	bankName, err := getOptionalStringField(obj, "bankName")
	if err != nil {
		return nil, err
	}

	last4, err := getOptionalStringField(obj, "accountLast4")
	if err != nil {
		return nil, err
	}

	return &domain.TransactionCandidate{
		Merchant:      strings.TrimSpace(merchant),
		Amount:        amount,
		Currency:      cur,
		Date:          date,
		Category:      cat,
		BankName:      bankName,
		AccountLast4:  normalizeLast4(last4),
		IsTransaction: true,
	}, nil
}

var currencyAliases = map[string]string{
	"RS":     "INR",
	"RS.":    "INR",
	"₹":      "INR",
	"RUPEE":  "INR",
	"RUPEES": "INR",
	"$":      "USD",
	"€":      "EUR",
	"£":      "GBP",
}

func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := currencyAliases[s]; ok {
		return alias
	}
	return s
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalizeLast4 keeps the trailing four digits of whatever the model saw
// ("XX1234", "ending 1234"). Fewer than four digits drops the field.
func normalizeLast4(v *string) *string {
	if v == nil {
		return nil
	}
	var digits []byte
	for i := 0; i < len(*v); i++ {
		if c := (*v)[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return nil
	}
	s := string(digits[len(digits)-4:])
	return &s
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, nil
		}
		return &s, nil
	case json.Number:
		s := val.String()
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

func getBoolField(m map[string]interface{}, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		return strings.EqualFold(strings.TrimSpace(val), "true"), nil
	default:
		return false, fmt.Errorf("field %q has type %T, want boolean", key, v)
	}
}

// getAmountField accepts a JSON number or a numeric string such as
// "Rs. 1,250.00".
func getAmountField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("missing required field %q", key)
	}
	switch val := v.(type) {
	case json.Number:
		return decimal.NewFromString(val.String())
	case float64:
		return decimal.NewFromFloat(val), nil
	case string:
		cleaned := strings.Trim(amountJunk.ReplaceAllString(val, ""), ".")
		if cleaned == "" {
			return decimal.Zero, fmt.Errorf("field %q is not numeric: %q", key, val)
		}
		return decimal.NewFromString(cleaned)
	default:
		return decimal.Zero, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}
