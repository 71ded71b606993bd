package fsm

import (
	"time"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/store"
)

func (f *FSM) applySetConfig(c codec.SetConfig) error {
	existing, err := f.store.Get(c.NS, c.Key)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	entry, err := f.store.Set(store.ConfigEntry{
		NS: c.NS, Key: c.Key, Value: c.Value, Type: c.Type, UpdatedBy: c.Author, UpdatedAt: c.TS,
	})
	if err != nil {
		return err
	}

	return f.audit(entry.NS, entry.Key, c.Author, c.TS, existing, entry)
}

func (f *FSM) applySetConfigBlobRef(c codec.SetConfigBlobRef) error {
	existing, err := f.store.Get(c.NS, c.Key)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	entry, err := f.store.Set(store.ConfigEntry{
		NS: c.NS, Key: c.Key, BlobID: c.BlobID, Type: c.Type, UpdatedBy: c.Author, UpdatedAt: c.TS,
	})
	if err != nil {
		return err
	}

	return f.audit(entry.NS, entry.Key, c.Author, c.TS, existing, entry)
}

func (f *FSM) applyDeleteConfig(c codec.DeleteConfig) error {
	existing, err := f.store.Get(c.NS, c.Key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := f.store.Delete(c.NS, c.Key); err != nil {
		return err
	}

	id := deterministicAuditID(store.ActionConfigDeleted, c.NS, c.Key, c.TS.UnixNano())
	return f.store.AppendAudit(store.AuditEvent{
		ID: id, Action: store.ActionConfigDeleted, NS: c.NS, Key: c.Key, Actor: c.Author,
		OldValue: existing.Value, TS: c.TS,
	})
}

func (f *FSM) applySetNamespace(c codec.SetNamespace) error {
	existing, err := f.store.GetNamespace(c.Path)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	if _, err := f.store.SetNamespace(store.Namespace{
		Path: c.Path, Description: c.Description, Owner: c.Owner,
	}); err != nil {
		return err
	}

	action := store.ActionNamespaceCreated
	if existing != nil {
		action = store.ActionNamespaceUpdated
	}
	id := deterministicAuditID(action, c.Path, "", c.TS.UnixNano())
	return f.store.AppendAudit(store.AuditEvent{
		ID: id, Action: action, NS: c.Path, Actor: c.Author, TS: c.TS,
	})
}

func (f *FSM) applyDeleteNamespace(c codec.DeleteNamespace) error {
	if _, err := f.store.GetNamespace(c.Path); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := f.store.DeleteNamespace(c.Path); err != nil {
		return err
	}

	id := deterministicAuditID(store.ActionNamespaceDeleted, c.Path, "", c.TS.UnixNano())
	return f.store.AppendAudit(store.AuditEvent{
		ID: id, Action: store.ActionNamespaceDeleted, NS: c.Path, Actor: c.Author, TS: c.TS,
	})
}

// audit appends an idempotent creation/update record for a config write,
// keyed deterministically so replaying the same committed entry upserts the
// same row instead of duplicating it.
func (f *FSM) audit(ns, key, author string, ts time.Time, existing, entry *store.ConfigEntry) error {
	action := store.ActionConfigCreated
	oldValue := ""
	if existing != nil {
		action = store.ActionConfigUpdated
		oldValue = existing.Value
	}
	id := deterministicAuditID(action, ns, key, ts.UnixNano())
	return f.store.AppendAudit(store.AuditEvent{
		ID: id, Action: action, NS: ns, Key: key, Actor: author,
		OldValue: oldValue, NewValue: entry.Value, TS: ts,
	})
}
