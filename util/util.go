package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// GetValueAtPath walks nested maps along path and returns the value found, or
// nil when any segment is missing.
func GetValueAtPath(path []string, input map[string]interface{}) interface{} {
	if len(path) == 0 || input == nil {
		return nil
	}
	value, ok := input[path[0]]
	if !ok || value == nil {
		return nil
	}
	if len(path) == 1 {
		return value
	}
	next, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	return GetValueAtPath(path[1:], next)
}

// SetValueAtPath replaces the value at path. Missing intermediate maps are
// not created; the call is a no-op in that case.
func SetValueAtPath(path []string, input map[string]interface{}, value interface{}) {
	if len(path) == 0 || input == nil {
		return
	}
	if len(path) == 1 {
		if _, ok := input[path[0]]; ok {
			input[path[0]] = value
		}
		return
	}
	if next, ok := input[path[0]].(map[string]interface{}); ok {
		SetValueAtPath(path[1:], next, value)
	}
}

// DropFieldAtPath deletes the field at path if present.
func DropFieldAtPath(path []string, input map[string]interface{}) {
	if len(path) == 0 || input == nil {
		return
	}
	if len(path) == 1 {
		delete(input, path[0])
		return
	}
	if next, ok := input[path[0]].(map[string]interface{}); ok {
		DropFieldAtPath(path[1:], next)
	}
}

func ToString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

// WriteJSON writes v as indented JSON through WriteFileAtomic.
func WriteJSON(fileName string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshalling json for %s: %w", fileName, err)
	}
	return WriteFileAtomic(fileName, data)
}

// WriteFileAtomic writes data to a temporary file in the target's directory
// followed by a rename, so readers see either the old or the new content and
// never a partial write.
func WriteFileAtomic(fileName string, data []byte) error {
	dir := filepath.Dir(fileName)
	tmp, err := os.CreateTemp(dir, filepath.Base(fileName)+".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file for %s: %w", fileName, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, fileName); err != nil {
		return fmt.Errorf("error renaming %s to %s: %w", tmpName, fileName, err)
	}

	// directory fsync makes the rename durable; not supported everywhere
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
