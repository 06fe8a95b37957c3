// Package store holds the cart record persistence backends and the JSON
// encoding they share.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"cartkeep/internal/cart/models"
	id "cartkeep/pkg/domain"
)

type lineJSON struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

type receiptJSON struct {
	Source        string     `json:"source"`
	SourceVersion int64      `json:"source_version"`
	Applied       []lineJSON `json:"applied"`
	MergedAt      time.Time  `json:"merged_at"`
}

type recordJSON struct {
	OwnerKey  string                 `json:"owner_key"`
	Lines     []lineJSON             `json:"lines"`
	Receipts  map[string]receiptJSON `json:"receipts,omitempty"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// EncodeRecord serializes a record for key-value backends.
func EncodeRecord(rec *models.Record) ([]byte, error) {
	body, err := json.Marshal(recordJSON{
		OwnerKey:  rec.OwnerKey,
		Lines:     toLinesJSON(rec.Lines),
		Receipts:  toReceiptsJSON(rec.Receipts),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cart record: %w", err)
	}
	return body, nil
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(body []byte) (*models.Record, error) {
	var raw recordJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode cart record: %w", err)
	}
	return &models.Record{
		OwnerKey:  raw.OwnerKey,
		Lines:     fromLinesJSON(raw.Lines),
		Receipts:  fromReceiptsJSON(raw.Receipts),
		Version:   raw.Version,
		UpdatedAt: raw.UpdatedAt,
	}, nil
}

// EncodeReceipts serializes merge receipts for a JSON column.
func EncodeReceipts(receipts map[string]models.MergeReceipt) ([]byte, error) {
	raw := toReceiptsJSON(receipts)
	if raw == nil {
		raw = map[string]receiptJSON{}
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode merge receipts: %w", err)
	}
	return body, nil
}

// DecodeReceipts parses receipts written by EncodeReceipts.
func DecodeReceipts(body []byte) (map[string]models.MergeReceipt, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var raw map[string]receiptJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode merge receipts: %w", err)
	}
	return fromReceiptsJSON(raw), nil
}

func toLinesJSON(lines []models.Line) []lineJSON {
	out := make([]lineJSON, 0, len(lines))
	for _, l := range lines {
		out = append(out, lineJSON{ProductRef: l.ProductRef.String(), Quantity: l.Quantity})
	}
	return out
}

func fromLinesJSON(lines []lineJSON) []models.Line {
	out := make([]models.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, models.Line{ProductRef: id.ProductRef(l.ProductRef), Quantity: l.Quantity})
	}
	return out
}

func toReceiptsJSON(receipts map[string]models.MergeReceipt) map[string]receiptJSON {
	if len(receipts) == 0 {
		return nil
	}
	out := make(map[string]receiptJSON, len(receipts))
	for k, r := range receipts {
		out[k] = receiptJSON{
			Source:        r.Source,
			SourceVersion: r.SourceVersion,
			Applied:       toLinesJSON(r.Applied),
			MergedAt:      r.MergedAt,
		}
	}
	return out
}

func fromReceiptsJSON(raw map[string]receiptJSON) map[string]models.MergeReceipt {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]models.MergeReceipt, len(raw))
	for k, r := range raw {
		out[k] = models.MergeReceipt{
			Source:        r.Source,
			SourceVersion: r.SourceVersion,
			Applied:       fromLinesJSON(r.Applied),
			MergedAt:      r.MergedAt,
		}
	}
	return out
}
