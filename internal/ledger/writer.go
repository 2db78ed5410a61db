package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SentinelEntryHash marks a record that could not be written.
const SentinelEntryHash = "error"

const DefaultWriteTimeout = 2 * time.Second

// Entry is the logical content of one audit record.
type Entry struct {
	Request  types.DecisionRequest
	Decision types.Decision
	Envelope types.Envelope
}

// AppendResult reports the outcome of an append. When Err is set, Record
// is a sentinel carrying only identifiers and EntryHash "error".
type AppendResult struct {
	Record Record
	Err    error
}

func (r AppendResult) Degraded() bool {
	return r.Err != nil
}

// Observer receives one call per append, with outcome "ok" or "degraded".
type Observer interface {
	ObserveAppend(outcome string, d time.Duration)
}

type Writer struct {
	store   Store
	signer  signer.Service
	locker  Locker
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	obs     Observer
}

type WriterOption func(*Writer)

func WithLocker(l Locker) WriterOption {
	return func(w *Writer) { w.locker = l }
}

func WithLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

func WithIDGenerator(newID func() string) WriterOption {
	return func(w *Writer) { w.newID = newID }
}

func WithObserver(o Observer) WriterOption {
	return func(w *Writer) { w.obs = o }
}

func NewWriter(store Store, s signer.Service, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		signer:  s,
		locker:  NewKeyedMutex(),
		logger:  zap.NewNop(),
		timeout: DefaultWriteTimeout,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append links entry to the tenant's lineage for entry.Request.SystemID.
// It never fails: errors, timeouts and panics produce a degraded result.
func (w *Writer) Append(ctx context.Context, tenantID string, entry Entry) (result AppendResult) {
	start := time.Now()
	recordID := w.newID()
	createdAt := w.now().UTC().Format(TimeLayout)
	systemID := entry.Request.SystemID

	defer func() {
		if p := recover(); p != nil {
			result = w.degraded(tenantID, systemID, recordID, createdAt, fmt.Errorf("audit append panic: %v", p))
		}
		outcome := "ok"
		if result.Degraded() {
			outcome = "degraded"
		}
		if w.obs != nil {
			w.obs.ObserveAppend(outcome, time.Since(start))
		}
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	rec, err := w.append(ctx, tenantID, systemID, recordID, createdAt, entry)
	if err != nil {
		return w.degraded(tenantID, systemID, recordID, createdAt, err)
	}
	return AppendResult{Record: rec}
}

func (w *Writer) append(ctx context.Context, tenantID, systemID, recordID, createdAt string, entry Entry) (Record, error) {
	requestJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return Record{}, fmt.Errorf("encode request: %w", err)
	}
	decisionJSON, err := json.Marshal(entry.Decision)
	if err != nil {
		return Record{}, fmt.Errorf("encode decision: %w", err)
	}
	envelopeJSON, err := json.Marshal(entry.Envelope)
	if err != nil {
		return Record{}, fmt.Errorf("encode envelope: %w", err)
	}
	publicKey, err := w.signer.PublicKey(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("signer public key: %w", err)
	}

	unlock, err := w.locker.Lock(ctx, LineageKey(tenantID, systemID))
	if err != nil {
		return Record{}, fmt.Errorf("lock lineage: %w", err)
	}
	defer unlock()

	var rec Record
	err = w.store.WithLineage(ctx, tenantID, systemID, func(tx Tx) error {
		previous, err := tx.Head(ctx)
		if err != nil {
			return fmt.Errorf("read lineage head: %w", err)
		}
		canonical, err := CanonicalEntry(recordID, createdAt, requestJSON, decisionJSON, envelopeJSON, previous)
		if err != nil {
			return fmt.Errorf("canonicalize entry: %w", err)
		}
		entryHash := crypto.DigestHex(canonical)
		signature, err := w.signer.Sign(ctx, entryHash)
		if err != nil {
			return fmt.Errorf("sign entry: %w", err)
		}

		rec = Record{
			RecordID:          recordID,
			CreatedAt:         createdAt,
			TenantID:          tenantID,
			SystemID:          systemID,
			EntryHash:         entryHash,
			Signature:         signature,
			PublicKey:         fmt.Sprintf("%x", publicKey),
			PreviousChainHash: previous,
			ChainHash:         ChainHash(previous, entryHash, signature),
			CanonicalEntry:    canonical,
			RequestJSON:       requestJSON,
			DecisionJSON:      decisionJSON,
			EnvelopeJSON:      envelopeJSON,
		}
		return tx.Insert(ctx, rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (w *Writer) degraded(tenantID, systemID, recordID, createdAt string, err error) AppendResult {
	fields := []zap.Field{
		zap.String("record_id", recordID),
		zap.String("tenant_id", tenantID),
		zap.String("system_id", systemID),
		zap.Error(err),
	}
	if errors.Is(err, context.DeadlineExceeded) {
		fields = append(fields, zap.Duration("timeout", w.timeout))
	}
	w.logger.Warn("audit append degraded; decision returned without a chained record", fields...)
	return AppendResult{
		Record: Record{
			RecordID:  recordID,
			CreatedAt: createdAt,
			TenantID:  tenantID,
			SystemID:  systemID,
			EntryHash: SentinelEntryHash,
		},
		Err: err,
	}
}

// CanonicalEntry builds the bytes that entry_hash is computed over.
func CanonicalEntry(recordID, createdAt string, requestJSON, decisionJSON, envelopeJSON []byte, previousChainHash string) ([]byte, error) {
	request, err := decodeJSON(requestJSON)
	if err != nil {
		return nil, err
	}
	decision, err := decodeJSON(decisionJSON)
	if err != nil {
		return nil, err
	}
	envelope, err := decodeJSON(envelopeJSON)
	if err != nil {
		return nil, err
	}
	return crypto.Canonicalize(map[string]any{
		"record_id":           recordID,
		"created_at":          createdAt,
		"request":             request,
		"decision":            decision,
		"envelope":            envelope,
		"previous_chain_hash": previousChainHash,
	})
}

// ChainHash links an entry to its predecessor: SHA-256 over the
// concatenated hex strings.
func ChainHash(previousChainHash, entryHash, signature string) string {
	return crypto.DigestHex([]byte(previousChainHash + entryHash + signature))
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
