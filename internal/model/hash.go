package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainAuditPayload = "recordflow/audit-payload/v1"
	DomainAuditEntry   = "recordflow/audit-entry/v1"
	DomainSnapshot     = "recordflow/snapshot/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes an audit payload.
func PayloadHash(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAuditPayload, canonical), nil
}

// EntryHash computes the chained hash of an audit entry. It covers every
// identifying field plus the payload hash and the previous entry's hash,
// so altering any stored entry breaks every hash after it.
func EntryHash(e AuditEntry) (string, error) {
	obj := map[string]any{
		"seq":                 e.Seq,
		"id":                  e.ID,
		"timestamp":           e.Timestamp,
		"actor_id":            e.ActorID,
		"action":              e.Action,
		"entity_id":           e.EntityID,
		"record_id":           e.RecordID,
		"severity":            string(e.Severity),
		"outcome":             string(e.Outcome),
		"payload_hash":        e.PayloadHash,
		"previous_entry_hash": e.PreviousEntryHash,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EntryHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAuditEntry, canonical), nil
}

// SnapshotHash hashes a record data snapshot.
func SnapshotHash(d Data) (string, error) {
	if d == nil {
		d = Data{}
	}
	canonical, err := MarshalCanonical(d)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// MustSnapshotHash is like SnapshotHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSnapshotHash(d Data) string {
	h, err := SnapshotHash(d)
	if err != nil {
		panic(err)
	}
	return h
}
