package payment

import "strings"

// Status is the gateway-reported payment status. The gateway defines these as
// opaque codes, so Status carries any string faithfully; only a small known
// subset is treated as terminal by the reconciliation state machine.
type Status string

// Known statuses. StatusPending is the initial state for every order; the
// four terminal statuses stop automatic reconciliation from regressing the
// order back to pending.
const (
	StatusNone      Status = "none"
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusReversed  Status = "REVERSED"
	StatusInvalid   Status = "INVALID"
)

// IsTerminal reports whether the status halts automatic reconciliation.
// Unrecognized gateway codes are never terminal - they are recorded as-is
// and the order stays open for further notifications.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReversed, StatusInvalid:
		return true
	default:
		return false
	}
}

// StatusMapper normalizes raw gateway status codes into Status values.
// The gateway reports both numeric codes ("0", "1", "2", "3") and status
// description strings; the exact mapping differs between sandbox and
// production, so deployments override it in config rather than the mapping
// being hardcoded here.
type StatusMapper struct {
	mapping map[string]Status
}

// defaultStatusMapping covers the codes the gateway's v3 API documents.
var defaultStatusMapping = map[string]Status{
	"0":         StatusInvalid,
	"1":         StatusCompleted,
	"2":         StatusFailed,
	"3":         StatusReversed,
	"invalid":   StatusInvalid,
	"completed": StatusCompleted,
	"failed":    StatusFailed,
	"reversed":  StatusReversed,
	"pending":   StatusPending,
}

// NewStatusMapper builds a mapper from the configured overrides layered on
// top of the default gateway code table. Override keys are matched
// case-insensitively.
func NewStatusMapper(overrides map[string]string) *StatusMapper {
	mapping := make(map[string]Status, len(defaultStatusMapping)+len(overrides))
	for code, status := range defaultStatusMapping {
		mapping[code] = status
	}
	for code, status := range overrides {
		mapping[strings.ToLower(strings.TrimSpace(code))] = Status(strings.ToUpper(strings.TrimSpace(status)))
	}
	return &StatusMapper{mapping: mapping}
}

// Map resolves a raw gateway code to a Status. Codes outside the mapping
// pass through unchanged (upper-cased for consistency) so that unknown
// gateway states are still recorded faithfully in the status history.
func (m *StatusMapper) Map(raw string) Status {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StatusPending
	}
	if status, ok := m.mapping[strings.ToLower(trimmed)]; ok {
		return status
	}
	return Status(strings.ToUpper(trimmed))
}
