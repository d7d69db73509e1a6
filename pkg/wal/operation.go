package wal

import (
	"fmt"

	"simpledb/pkg/codec"
)

// Kind is the tag byte stored in front of every log record.
type Kind byte

const (
	KindPut    Kind = 'p'
	KindDelete Kind = 'd'
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%q)", byte(k))
	}
}

// Operation is a single logged mutation. Value is nil for deletes.
type Operation struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

func Put(key, value []byte) Operation {
	return Operation{Kind: KindPut, Key: key, Value: value}
}

func Delete(key []byte) Operation {
	return Operation{Kind: KindDelete, Key: key}
}

// EncodedLen returns the number of bytes the operation occupies in the log.
func (op Operation) EncodedLen() int {
	n := codec.LenSize + 1 + codec.EncodedLen(op.Key)
	if op.Kind == KindPut {
		n += codec.EncodedLen(op.Value)
	}
	return n
}

// AppendTo encodes the operation onto dst:
//
//	[8B len=1][tag] [8B keylen][key] ([8B vallen][value] for puts)
func (op Operation) AppendTo(dst []byte) ([]byte, error) {
	switch op.Kind {
	case KindPut:
		dst = codec.AppendChar(dst, byte(KindPut))
		dst = codec.AppendBytes(dst, op.Key)
		dst = codec.AppendBytes(dst, op.Value)
	case KindDelete:
		dst = codec.AppendChar(dst, byte(KindDelete))
		dst = codec.AppendBytes(dst, op.Key)
	default:
		return dst, fmt.Errorf("cannot encode operation of kind %s", op.Kind)
	}
	return dst, nil
}
