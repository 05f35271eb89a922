package flagstore

import (
	"fmt"
)

// StoreError wraps a backend failure with the operation and item it hit.
type StoreError struct {
	Op   string // "init", "get", "getall", "upsert"
	Kind string // kind name; empty for init
	Key  string // empty for init/getall
	Err  error
}

func (e *StoreError) Error() string {
	switch {
	case e.Kind == "":
		return fmt.Sprintf("flagstore: %s: %v", e.Op, e.Err)
	case e.Key == "":
		return fmt.Sprintf("flagstore: %s %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("flagstore: %s %s/%s: %v", e.Op, e.Kind, e.Key, e.Err)
	}
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, kind, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: kind, Key: key, Err: err}
}
