package store

// Store is the durable local map the state machine writes into. Read
// operations may run concurrently with each other; writes are serialized
// and must be durable before returning.
type Store interface {
	Get(ns, key string) (*ConfigEntry, error)
	List(ns string) ([]*ConfigEntry, error)
	ListAll() ([]*ConfigEntry, error)
	Set(entry ConfigEntry) (*ConfigEntry, error)
	Delete(ns, key string) error

	GetNamespace(path string) (*Namespace, error)
	ListNamespaces() ([]*Namespace, error)
	SetNamespace(ns Namespace) (*Namespace, error)
	DeleteNamespace(path string) error

	AppendAudit(event AuditEvent) error
	GetAuditEvents(ns string, limit int) ([]*AuditEvent, error)

	DumpAll() (namespaces []*Namespace, entries []*ConfigEntry, audit []*AuditEvent, err error)
	RestoreFromSnapshot(namespaces []*Namespace, entries []*ConfigEntry, audit []*AuditEvent) error

	Close() error
}

// notFoundError mirrors the teacher's "X not found: id" convention from
// pkg/storage/boltdb.go, standardized as a type so callers can check it
// with IsNotFound instead of parsing message text.
type notFoundError struct{ what, id string }

func (e *notFoundError) Error() string { return e.what + " not found: " + e.id }

func newNotFound(what, id string) error { return &notFoundError{what: what, id: id} }

// IsNotFound reports whether err is a not-found error from this package;
// wrapped errors are not unwrapped.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
