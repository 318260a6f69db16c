package btree

import "errors"

var (
	ErrNilKeyOrder       = errors.New("keyOrder function must be provided")
	ErrInvalidKeyCodec   = errors.New("key codec must have a positive size and encode/decode functions")
	ErrInvalidNodeSize   = errors.New("invalid node max size")
	ErrKeyTooLarge       = errors.New("key does not fit the index key size")
	ErrCorruptNode       = errors.New("index page is corrupt")
	ErrCorruptRootsPage  = errors.New("index roots page is corrupt")
	ErrRootsPageMissing  = errors.New("index roots page could not be placed at page 0")
	ErrIndexNotFound     = errors.New("index not registered in roots page")
	ErrIndexExists       = errors.New("index already registered in roots page")
	ErrRootsPageFull     = errors.New("index roots page is full")
	ErrTreeInvariant     = errors.New("b+tree invariant violated")
	ErrIteratorExhausted = errors.New("iterator is at end")
)
