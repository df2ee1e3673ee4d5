package store

import (
	"context"
	"fmt"
	"reflect"

	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/util"
)

// RepairReport summarizes one reconciliation pass.
type RepairReport struct {
	MirrorsCreated int `json:"mirrorsCreated"`
	MirrorsPatched int `json:"mirrorsPatched"`
	MirrorsDeleted int `json:"mirrorsDeleted"`
}

// ReconcileSharedMirrors repairs the shared transaction mirrors for an
// admin principal after interrupted dual writes: personal transactions
// missing a mirror get one, mirrors with stale fields are patched, and
// mirrors whose original is gone are deleted. Only mirrors created by
// this principal are considered. All repairs land in one atomic batch.
func (s *Store) ReconcileSharedMirrors(ctx context.Context, p scope.Principal) (RepairReport, error) {
	var report RepairReport
	if !p.Authenticated() {
		s.fail("reconcile mirrors: %v", ErrUnauthenticated)
		return report, ErrUnauthenticated
	}
	if !scope.CanWriteShared(p) {
		s.fail("reconcile mirrors: %v", ErrPermissionDenied)
		return report, ErrPermissionDenied
	}

	personal, err := s.db.Find(ctx, docstore.Personal(p.UID), docstore.CollectionTransactions, docstore.Query{})
	if err != nil {
		s.fail("reconcile mirrors: %v", err)
		return report, fmt.Errorf("reconcile mirrors: scan personal: %w", err)
	}
	sharedDocs, err := s.db.Find(ctx, docstore.Shared(), docstore.CollectionTransactions, docstore.Query{})
	if err != nil {
		s.fail("reconcile mirrors: %v", err)
		return report, fmt.Errorf("reconcile mirrors: scan shared: %w", err)
	}

	originals := make(map[string]docstore.Document, len(personal))
	for _, doc := range personal {
		originals[doc.ID] = doc
	}

	// Mirrors this principal wrote, keyed by the original they point at.
	mirrors := make(map[string]docstore.Document)
	for _, doc := range sharedDocs {
		originalID := str(doc.Fields["originalId"])
		if originalID == "" || str(doc.Fields["createdBy"]) != p.UID {
			continue
		}
		mirrors[originalID] = doc
	}

	var ops []docstore.WriteOp
	for id, original := range originals {
		mirror, ok := mirrors[id]
		if !ok {
			fields := mirrorFields(original.Fields, id)
			ops = append(ops, docstore.WriteOp{
				NS:         docstore.Shared(),
				Collection: docstore.CollectionTransactions,
				ID:         util.NewID("tx"),
				Patch:      fields,
			})
			report.MirrorsCreated++
			continue
		}
		if patch := mirrorDrift(original.Fields, mirror.Fields); len(patch) > 0 {
			ops = append(ops, docstore.WriteOp{
				NS:         docstore.Shared(),
				Collection: docstore.CollectionTransactions,
				ID:         mirror.ID,
				Patch:      patch,
			})
			report.MirrorsPatched++
		}
	}
	for originalID, mirror := range mirrors {
		if _, ok := originals[originalID]; ok {
			continue
		}
		ops = append(ops, docstore.WriteOp{
			NS:         docstore.Shared(),
			Collection: docstore.CollectionTransactions,
			ID:         mirror.ID,
			Delete:     true,
		})
		report.MirrorsDeleted++
	}

	if len(ops) == 0 {
		s.clearErr()
		return report, nil
	}
	if err := s.db.ApplyBatch(ctx, ops); err != nil {
		s.fail("reconcile mirrors: %v", err)
		return RepairReport{}, fmt.Errorf("reconcile mirrors: %w", err)
	}
	s.clearErr()
	return report, nil
}

// mirroredFields are the transaction fields a mirror must agree on with
// its original. createdBy travels as-is; originalId is set separately.
var mirroredFields = []string{
	"clientId", "service", "amount", "paid",
	"paymentDate", "dueDate", "paymentReference",
	"createdAt", "createdBy",
}

func mirrorFields(original map[string]any, originalID string) map[string]any {
	fields := make(map[string]any, len(mirroredFields)+1)
	for _, name := range mirroredFields {
		if value, ok := original[name]; ok {
			fields[name] = value
		}
	}
	fields["originalId"] = originalID
	return fields
}

func mirrorDrift(original, mirror map[string]any) map[string]any {
	var patch map[string]any
	for _, name := range mirroredFields {
		value, ok := original[name]
		if !ok {
			continue
		}
		if reflect.DeepEqual(value, mirror[name]) {
			continue
		}
		if patch == nil {
			patch = make(map[string]any)
		}
		patch[name] = value
	}
	return patch
}
