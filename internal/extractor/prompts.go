package extractor

import (
	"strings"
	"time"

	"github.com/dvloznov/argos/internal/domain"
)

// Categories the model is asked to choose from.
var Categories = []string{
	"Food", "Travel", "Bills", "Shopping", "Groceries",
	"Entertainment", "Health", "Transfer", "Other",
}

// buildPrompt renders the extraction instructions for one message.
func buildPrompt(text string, ref time.Time) string {
	var b strings.Builder

	b.WriteString("You are a financial parser. Extract transaction details from the email snippet below.\n\n")
	b.WriteString("Snippet: \"" + strings.ReplaceAll(text, "\"", "'") + "\"\n")
	b.WriteString("Email Date: \"" + ref.UTC().Format(time.RFC3339) + "\"\n\n")

	b.WriteString("Rules:\n")
	b.WriteString("1. Identify the merchant (e.g. \"Uber\", \"Swiggy\", \"HDFC Bank\").\n")
	b.WriteString("2. Identify the amount as a positive number, digits only.\n")
	b.WriteString("3. Identify the currency as an ISO 4217 code (default " + domain.DefaultCurrency + ").\n")
	b.WriteString("4. Categorize it using EXACTLY one of: " + strings.Join(Categories, ", ") + ".\n")
	b.WriteString("5. Extract the bank name and the last 4 digits of the account or card if present.\n")
	b.WriteString("6. Set isTransaction to false for promotions, offers, newsletters and OTP mails.\n")
	b.WriteString("7. Use the email date when the message has no explicit transaction date.\n\n")

	b.WriteString("Return ONLY a single valid JSON object. No Markdown. No comments.\n")
	b.WriteString("JSON Schema:\n")
	b.WriteString("{\n")
	b.WriteString("  \"merchant\": string,\n")
	b.WriteString("  \"amount\": number,\n")
	b.WriteString("  \"currency\": string,\n")
	b.WriteString("  \"date\": string (ISO 8601),\n")
	b.WriteString("  \"category\": string,\n")
	b.WriteString("  \"bankName\": string or null,\n")
	b.WriteString("  \"accountLast4\": string or null,\n")
	b.WriteString("  \"isTransaction\": boolean\n")
	b.WriteString("}\n")

	return b.String()
}
