package db

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Get wraps RoTx.Get with a more descriptive not-found error.
func Get(tx RoTx, table TableName, key []byte) ([]byte, error) {
	data, err := tx.Get(table, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: table=%s, key=%x", err, table, key)
	}
	return data, err
}

// GetJSON reads and decodes a JSON-encoded entry.
func GetJSON[T any](tx RoTx, table TableName, key []byte) (*T, error) {
	data, err := tx.Get(table, key)
	if err != nil {
		return nil, err
	}

	decoded := new(T)
	if err := json.Unmarshal(data, decoded); err != nil {
		return nil, fmt.Errorf("failed to decode entry from table %s: %w", table, err)
	}
	return decoded, nil
}

// PutJSON encodes and writes a JSON entry.
func PutJSON(tx RwTx, table TableName, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode entry for table %s: %w", table, err)
	}
	return tx.Put(table, key, data)
}
