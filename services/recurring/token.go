package recurring

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Token is the correlation data PayPal round-trips in rp_invoice_id:
// i=<invoice>&m=<module>&c=<contact>&r=<recur>&b=<contribution>&p=<page>.
type Token struct {
	InvoiceID      string
	Module         string
	ContactID      snowflake.ID
	AgreementID    snowflake.ID
	ContributionID snowflake.ID
	PageID         *int64
}

func ParseCorrelationToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, fmt.Errorf("%w: empty", ErrMalformedCorrelationToken)
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedCorrelationToken, err)
	}

	tok := Token{
		InvoiceID: values.Get("i"),
		Module:    values.Get("m"),
	}

	ids := []struct {
		key string
		dst *snowflake.ID
	}{
		{"c", &tok.ContactID},
		{"r", &tok.AgreementID},
		{"b", &tok.ContributionID},
	}
	for _, id := range ids {
		v, err := positiveID(values.Get(id.key))
		if err != nil {
			return Token{}, fmt.Errorf("%w: %s: %v", ErrMalformedCorrelationToken, id.key, err)
		}
		*id.dst = snowflake.ID(v)
	}

	switch p := values.Get("p"); p {
	case "", "null":
	default:
		page, err := positiveID(p)
		if err != nil {
			return Token{}, fmt.Errorf("%w: p: %v", ErrMalformedCorrelationToken, err)
		}
		tok.PageID = &page
	}

	return tok, nil
}

func positiveID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", v)
	}
	return v, nil
}

func (t Token) String() string {
	page := "null"
	if t.PageID != nil {
		page = strconv.FormatInt(*t.PageID, 10)
	}
	return fmt.Sprintf("i=%s&m=%s&c=%d&r=%d&b=%d&p=%s",
		t.InvoiceID, t.Module, t.ContactID, t.AgreementID, t.ContributionID, page)
}
