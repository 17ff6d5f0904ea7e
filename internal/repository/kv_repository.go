package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
)

// kvTable stores JSON documents in a JetStream KV bucket. Updates are
// conditional on the entry revision observed at read time.
type kvTable[T any] struct {
	bucket  jetstream.KeyValue
	kind    string
	key     func(*T) string
	version func(*T) *int64
}

func (t *kvTable[T]) create(ctx context.Context, v *T) error {
	*t.version(v) = 1
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal "+t.kind)
	}
	if _, err := t.bucket.Create(ctx, t.key(v), data); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create "+t.kind)
	}
	return nil
}

func (t *kvTable[T]) load(ctx context.Context, id string) (*T, uint64, error) {
	entry, err := t.bucket.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to get "+t.kind)
	}
	v := new(T)
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal "+t.kind)
	}
	return v, entry.Revision(), nil
}

func (t *kvTable[T]) get(ctx context.Context, id string) (*T, error) {
	v, _, err := t.load(ctx, id)
	return v, err
}

func (t *kvTable[T]) update(ctx context.Context, v *T) error {
	cur, revision, err := t.load(ctx, t.key(v))
	if err != nil {
		return err
	}
	expected := *t.version(v)
	if *t.version(cur) != expected {
		return ErrVersionConflict
	}

	*t.version(v) = expected + 1
	data, err := json.Marshal(v)
	if err != nil {
		*t.version(v) = expected
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal "+t.kind)
	}
	if _, err := t.bucket.Update(ctx, t.key(v), data, revision); err != nil {
		*t.version(v) = expected
		if isRevisionMismatch(err) {
			return ErrVersionConflict
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update "+t.kind)
	}
	return nil
}

func (t *kvTable[T]) list(ctx context.Context, match func(*T) bool) ([]*T, error) {
	keys, err := t.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []*T{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list "+t.kind+" keys")
	}

	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, _, err := t.load(ctx, key)
		if stderrors.Is(err, ErrNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		if match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// isRevisionMismatch recognises the server's wrong-last-sequence reply to a
// conditional KV update.
func isRevisionMismatch(err error) bool {
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// KVRequestRepository stores approval requests in a JetStream KV bucket.
type KVRequestRepository struct {
	table *kvTable[ApprovalRequest]
}

func NewKVRequestRepository(bucket jetstream.KeyValue) *KVRequestRepository {
	return &KVRequestRepository{table: &kvTable[ApprovalRequest]{
		bucket:  bucket,
		kind:    "approval request",
		key:     func(r *ApprovalRequest) string { return r.ID },
		version: func(r *ApprovalRequest) *int64 { return &r.Version },
	}}
}

func (k *KVRequestRepository) Create(ctx context.Context, r *ApprovalRequest) error {
	return k.table.create(ctx, r)
}

func (k *KVRequestRepository) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	return k.table.get(ctx, id)
}

func (k *KVRequestRepository) Update(ctx context.Context, r *ApprovalRequest) error {
	return k.table.update(ctx, r)
}

func (k *KVRequestRepository) List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	out, err := k.table.list(ctx, filter.Matches)
	if err != nil {
		return nil, err
	}
	sortRequests(out)
	return out, nil
}

// KVInstanceRepository stores playbook instances in a JetStream KV bucket.
type KVInstanceRepository struct {
	table *kvTable[PlaybookInstance]
}

func NewKVInstanceRepository(bucket jetstream.KeyValue) *KVInstanceRepository {
	return &KVInstanceRepository{table: &kvTable[PlaybookInstance]{
		bucket:  bucket,
		kind:    "playbook instance",
		key:     func(p *PlaybookInstance) string { return p.ID },
		version: func(p *PlaybookInstance) *int64 { return &p.Version },
	}}
}

func (k *KVInstanceRepository) Create(ctx context.Context, p *PlaybookInstance) error {
	return k.table.create(ctx, p)
}

func (k *KVInstanceRepository) Get(ctx context.Context, id string) (*PlaybookInstance, error) {
	return k.table.get(ctx, id)
}

func (k *KVInstanceRepository) Update(ctx context.Context, p *PlaybookInstance) error {
	return k.table.update(ctx, p)
}

func (k *KVInstanceRepository) List(ctx context.Context, filter InstanceFilter) ([]*PlaybookInstance, error) {
	out, err := k.table.list(ctx, filter.Matches)
	if err != nil {
		return nil, err
	}
	sortInstances(out)
	return out, nil
}

// KVAuditRepository keys entries as <subject_type>.<subject_id>.<entry_id>
// so a subject's trail is a key prefix.
type KVAuditRepository struct {
	bucket jetstream.KeyValue
}

func NewKVAuditRepository(bucket jetstream.KeyValue) *KVAuditRepository {
	return &KVAuditRepository{bucket: bucket}
}

func auditKey(subjectType, subjectID, entryID string) string {
	return fmt.Sprintf("%s.%s.%s", subjectType, subjectID, entryID)
}

func (k *KVAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit entry")
	}
	if _, err := k.bucket.Create(ctx, auditKey(entry.SubjectType, entry.SubjectID, entry.ID), data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

func (k *KVAuditRepository) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*AuditEntry, error) {
	keys, err := k.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit keys")
	}

	prefix := auditKey(subjectType, subjectID, "")
	var out []*AuditEntry
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := k.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	sortAudit(out)
	return out, nil
}
