package scheme

import (
	"encoding/json"
	"fmt"

	"github.com/partplan/partplan/pkg/types"
)

// Document is the serialized form of a scheme, stored in the catalog and
// published as snapshots.
type Document struct {
	Partitions  []PartitionDocument `json:"partitions"`
	Fingerprint string              `json:"fingerprint,omitempty"`
}

// PartitionDocument is one serialized partition. A null upper marks the
// catch-all.
type PartitionDocument struct {
	Name   string      `json:"name"`
	Lower  types.Key   `json:"lower"`
	Upper  types.Bound `json:"upper"`
	Weight float64     `json:"weight"`
}

// Document returns the serializable form of the scheme.
func (s *Scheme) Document() Document {
	doc := Document{
		Partitions:  make([]PartitionDocument, len(s.partitions)),
		Fingerprint: s.FingerprintHex(),
	}
	for i, p := range s.partitions {
		doc.Partitions[i] = PartitionDocument{
			Name:   p.Name,
			Lower:  p.Range.Lower,
			Upper:  p.Range.Upper,
			Weight: p.Weight,
		}
	}
	return doc
}

// FromDocument validates a document and rebuilds the scheme. A fingerprint
// present in the document must match the rebuilt scheme.
func FromDocument(doc Document) (*Scheme, error) {
	parts := make([]Partition, len(doc.Partitions))
	for i, p := range doc.Partitions {
		parts[i] = Partition{
			Name:   p.Name,
			Range:  types.NewKeyRange(p.Lower, p.Upper),
			Weight: p.Weight,
		}
	}

	s, err := New(parts)
	if err != nil {
		return nil, err
	}

	if doc.Fingerprint != "" && doc.Fingerprint != s.FingerprintHex() {
		return nil, fmt.Errorf("scheme: fingerprint mismatch: document %s, rebuilt %s", doc.Fingerprint, s.FingerprintHex())
	}
	return s, nil
}

// MarshalJSON implements json.Marshaler.
func (s *Scheme) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// UnmarshalJSON implements json.Unmarshaler. The decoded scheme is validated.
func (s *Scheme) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("scheme: failed to decode document: %w", err)
	}
	decoded, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

// Decode parses a JSON scheme document.
func Decode(data []byte) (*Scheme, error) {
	var s Scheme
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
