package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type canonicalEntry struct {
	AccountCode string          `json:"account_code"`
	EntrySide   Side            `json:"entry_side"`
	Amount      string          `json:"amount"`
	PartyID     *string         `json:"party_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

type canonicalPayload struct {
	SourceType       string           `json:"source_type"`
	SourceID         string           `json:"source_id"`
	ReceivableID     *string          `json:"receivable_id"`
	PaymentReference *string          `json:"payment_reference"`
	Entries          []canonicalEntry `json:"entries"`
}

// line is the common shape fingerprinted for both proposed and persisted entries.
type line struct {
	AccountCode string
	Side        Side
	Amount      decimal.Decimal
	PartyID     *uuid.UUID
	Metadata    Metadata
}

func linesFromInputs(in []EntryInput) []line {
	out := make([]line, len(in))
	for i, e := range in {
		out[i] = line{AccountCode: e.AccountCode, Side: e.Side, Amount: e.Amount, PartyID: e.PartyID, Metadata: e.Metadata}
	}
	return out
}

func linesFromEntries(in []Entry) []line {
	out := make([]line, len(in))
	for i, e := range in {
		out[i] = line{AccountCode: e.AccountCode, Side: e.Side, Amount: e.Amount, PartyID: e.PartyID, Metadata: e.Metadata}
	}
	return out
}

// Fingerprint digests the canonical form of a posting request. Two requests
// whose entries differ only in order produce the same fingerprint.
func Fingerprint(ref SourceRef, entries []EntryInput) (string, error) {
	return fingerprintLines(ref, linesFromInputs(entries))
}

// FingerprintEntries recomputes the fingerprint from persisted entries.
func FingerprintEntries(ref SourceRef, entries []Entry) (string, error) {
	return fingerprintLines(ref, linesFromEntries(entries))
}

func fingerprintLines(ref SourceRef, lines []line) (string, error) {
	canon := make([]canonicalEntry, 0, len(lines))
	for _, l := range lines {
		meta, err := l.Metadata.Without(reservedMetadataKeys...).Canonical()
		if err != nil {
			return "", invalid(CodeInvalidMetadata, "account %s: %v", l.AccountCode, err)
		}
		canon = append(canon, canonicalEntry{
			AccountCode: l.AccountCode,
			EntrySide:   l.Side,
			Amount:      FormatAmount(l.Amount),
			PartyID:     uuidString(l.PartyID),
			Metadata:    meta,
		})
	}
	sort.SliceStable(canon, func(i, j int) bool {
		a, b := canon[i], canon[j]
		if a.AccountCode != b.AccountCode {
			return a.AccountCode < b.AccountCode
		}
		if a.EntrySide != b.EntrySide {
			return a.EntrySide < b.EntrySide
		}
		if a.Amount != b.Amount {
			return a.Amount < b.Amount
		}
		if pa, pb := deref(a.PartyID), deref(b.PartyID); pa != pb {
			return pa < pb
		}
		return string(a.Metadata) < string(b.Metadata)
	})
	payload := canonicalPayload{
		SourceType:       ref.SourceType,
		SourceID:         ref.SourceID,
		ReceivableID:     uuidString(ref.ReceivableID),
		PaymentReference: optionalString(ref.PaymentReference),
		Entries:          canon,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
