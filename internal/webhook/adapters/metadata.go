package adapters

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/webhook/domain"
)

// ReadMetadataValue reads a string-ish metadata value.
func ReadMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}

// ReadMetadataID parses a snowflake id. Malformed values are treated as
// absent.
func ReadMetadataID(metadata map[string]any, key string) *snowflake.ID {
	raw := ReadMetadataValue(metadata, key)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

// ApplyMetadata fills the tenant hints an event carries.
func ApplyMetadata(event *domain.InboundEvent, metadata map[string]any) {
	event.OrgID = ReadMetadataID(metadata, "org_id")
	event.References = domain.References{
		InvoiceID:  ReadMetadataID(metadata, "invoice_id"),
		CustomerID: ReadMetadataID(metadata, "customer_id"),
	}
}
