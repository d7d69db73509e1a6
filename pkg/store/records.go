package store

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"

	"simpledb/pkg/dberrors"
	"simpledb/pkg/wal"
)

type orderedMap = skipmap.FuncMap[[]byte, []byte]

// recordSet is the live key/value mapping. Iteration is in ascending key
// order, which keeps checkpoint files deterministic.
type recordSet struct {
	m *orderedMap
}

func newRecordSet() *recordSet {
	return &recordSet{
		m: skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (r *recordSet) Load(key []byte) ([]byte, bool) {
	return r.m.Load(key)
}

func (r *recordSet) Store(key, value []byte) {
	r.m.Store(key, value)
}

func (r *recordSet) Delete(key []byte) {
	r.m.Delete(key)
}

func (r *recordSet) Len() int {
	return r.m.Len()
}

func (r *recordSet) Range(fn func(key, value []byte) bool) {
	r.m.Range(fn)
}

// Apply replays a logged operation: puts overwrite, deletes of absent keys
// are no-ops.
func (r *recordSet) Apply(op wal.Operation) error {
	switch op.Kind {
	case wal.KindPut:
		r.Store(op.Key, op.Value)
	case wal.KindDelete:
		r.Delete(op.Key)
	default:
		return &dberrors.InvalidOperationError{Tag: byte(op.Kind), Offset: -1}
	}
	return nil
}
