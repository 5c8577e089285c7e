// Package types contains the ledger data model: transactions, blocks and
// their canonical JSON forms.
//
// Canonical form is compact JSON with lexicographically sorted keys. Struct
// fields below are declared in sorted tag order so encoding/json emits the
// canonical byte sequence directly; map keys are sorted by encoding/json
// itself. The signed subset of a transaction is the transaction without its
// signature and public_key fields.
package types

import (
	"encoding/json"
	"errors"
	"time"
)

// The eight workflow actions, in lifecycle order.
const (
	ActionRegistered     = "registered"
	ActionQualityChecked = "quality_checked"
	ActionShipped        = "shipped"
	ActionReceived       = "received"
	ActionStored         = "stored"
	ActionDelivered      = "delivered"
	ActionReceivedRetail = "received_retail"
	ActionSold           = "sold"
)

// timestampLayout is ISO-8601 UTC with microsecond precision, matching the
// wire format produced by signing clients.
const timestampLayout = "2006-01-02T15:04:05.000000"

var errMissingFields = errors.New("types: transaction missing required fields")

// Transaction is an immutable workflow step record. Field order is the
// canonical (lexicographic) key order.
type Transaction struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	BatchID   string         `json:"batch_id"`
	Metadata  map[string]any `json:"metadata"`
	PublicKey string         `json:"public_key,omitempty"`
	Signature string         `json:"signature,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// signedSubset mirrors Transaction without signature and public_key. It is
// what gets hashed for signing and verification.
type signedSubset struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	BatchID   string         `json:"batch_id"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// CheckFields reports whether the required transaction fields are present.
func (tx *Transaction) CheckFields() error {
	if tx.BatchID == "" || tx.Action == "" || tx.Actor == "" {
		return errMissingFields
	}
	return nil
}

// Key returns the composite dedup key. Two transactions with the same batch,
// action and timestamp are the same transaction everywhere in the cluster.
func (tx *Transaction) Key() string {
	return tx.BatchID + "_" + tx.Action + "_" + tx.Timestamp
}

// SignedPayload returns the canonical byte sequence covered by the signature:
// the transaction minus signature and public_key, as compact sorted-key JSON.
// The timestamp string is used verbatim; re-formatting it breaks verification.
func (tx *Transaction) SignedPayload() ([]byte, error) {
	return json.Marshal(&signedSubset{
		Action:    tx.Action,
		Actor:     tx.Actor,
		BatchID:   tx.BatchID,
		Metadata:  tx.Metadata,
		Timestamp: tx.Timestamp,
	})
}

// Copy returns a deep copy of the transaction.
func (tx *Transaction) Copy() *Transaction {
	cpy := *tx
	if tx.Metadata != nil {
		cpy.Metadata = make(map[string]any, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cpy.Metadata[k] = v
		}
	}
	return &cpy
}

// MetadataString returns the named metadata value if it is a non-empty string.
func (tx *Transaction) MetadataString(key string) (string, bool) {
	if tx.Metadata == nil {
		return "", false
	}
	s, ok := tx.Metadata[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Now returns the current UTC time in the canonical timestamp layout.
func Now() string {
	return time.Now().UTC().Format(timestampLayout)
}
