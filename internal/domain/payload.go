package domain

import "encoding/json"

// PayloadKind tags the provider payload variant carried by a raw item.
type PayloadKind string

const (
	PayloadBill       PayloadKind = "bill"
	PayloadRegulation PayloadKind = "regulation"
	PayloadCase       PayloadKind = "case"
	PayloadNotice     PayloadKind = "notice"
	PayloadCFRChange  PayloadKind = "cfr_change"
	PayloadOpaque     PayloadKind = "opaque"
)

type BillPayload struct {
	Number     string   `json:"number"`
	Session    string   `json:"session,omitempty"`
	Chamber    string   `json:"chamber,omitempty"`
	Sponsors   []string `json:"sponsors,omitempty"`
	LastAction string   `json:"last_action,omitempty"`
}

type RegulationPayload struct {
	Agency        string `json:"agency,omitempty"`
	Docket        string `json:"docket,omitempty"`
	Citation      string `json:"citation,omitempty"`
	CommentCloses string `json:"comment_closes,omitempty"`
}

type CasePayload struct {
	Court        string   `json:"court,omitempty"`
	DocketNumber string   `json:"docket_number,omitempty"`
	Parties      []string `json:"parties,omitempty"`
}

type NoticePayload struct {
	Agency         string `json:"agency,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
}

type CFRChangePayload struct {
	Title     int    `json:"title"`
	Part      string `json:"part,omitempty"`
	IssueDate string `json:"issue_date,omitempty"`
}

// Payload carries provider data as one typed variant per item kind, with an
// opaque raw fallback for providers whose shape is unknown. It is stored as a
// JSON envelope keyed by Kind.
type Payload struct {
	Kind       PayloadKind        `json:"kind" enum:"bill,regulation,case,notice,cfr_change,opaque"`
	Bill       *BillPayload       `json:"bill,omitempty"`
	Regulation *RegulationPayload `json:"regulation,omitempty"`
	Case       *CasePayload       `json:"case,omitempty"`
	Notice     *NoticePayload     `json:"notice,omitempty"`
	CFRChange  *CFRChangePayload  `json:"cfr_change,omitempty"`
	Opaque     json.RawMessage    `json:"opaque,omitempty"`
}

// OpaquePayload wraps unstructured provider bytes. Invalid JSON is re-encoded
// as a JSON string so the envelope always stores valid JSON.
func OpaquePayload(raw []byte) Payload {
	if len(raw) == 0 {
		return Payload{Kind: PayloadOpaque}
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		raw = quoted
	}
	return Payload{Kind: PayloadOpaque, Opaque: json.RawMessage(raw)}
}

func (p Payload) IsZero() bool {
	return p.Kind == "" && p.Bill == nil && p.Regulation == nil && p.Case == nil &&
		p.Notice == nil && p.CFRChange == nil && len(p.Opaque) == 0
}

// Encode serializes the envelope for storage. A zero payload encodes as an
// empty opaque envelope.
func (p Payload) Encode() (string, error) {
	if p.Kind == "" {
		p.Kind = PayloadOpaque
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload parses a stored envelope. Unknown kinds and undecodable data
// come back as the opaque variant; the read path never fails on payloads.
func DecodePayload(raw string) Payload {
	if raw == "" {
		return Payload{Kind: PayloadOpaque}
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return OpaquePayload([]byte(raw))
	}
	switch p.Kind {
	case PayloadBill, PayloadRegulation, PayloadCase, PayloadNotice, PayloadCFRChange, PayloadOpaque:
		return p
	default:
		return OpaquePayload([]byte(raw))
	}
}
