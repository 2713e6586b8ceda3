// Package kvfile implements the small grouped key-value file format shared
// by every sidecar and config file in SPEC_FULL.md §6's persistent-files
// table: the circular file metadata sidecar, the boot-offset metafile, the
// cache version file, cache-size.conf, and permissions.conf.
//
// The dialect is the teacher's INI parser (agilira/argus parser_text.go's
// parseINI: "[group]" section headers, "key=value" lines, "#"/";" comments)
// generalized into a small read/write type instead of a one-shot parse into
// map[string]interface{}.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package kvfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
)

// KVFile is an in-memory, grouped key-value document.
type KVFile struct {
	groups map[string]map[string]string
	// order preserves group and key insertion order so Save produces a
	// stable, diffable file across rewrites.
	groupOrder []string
	keyOrder   map[string][]string
}

// New returns an empty KVFile ready for Set/Save.
func New() *KVFile {
	return &KVFile{
		groups:   make(map[string]map[string]string),
		keyOrder: make(map[string][]string),
	}
}

// Load reads and parses path. A missing file returns a non-nil error
// wrapping os.ErrNotExist so callers can distinguish "absent" from
// "corrupt" per SPEC_FULL.md §7's error handling design.
func Load(path string) (*KVFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-configured
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes the grouped key=value dialect from data.
func Parse(data []byte) (*KVFile, error) {
	kv := New()
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	currentGroup := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentGroup = strings.TrimSpace(strings.Trim(line, "[]"))
			continue
		}
		if currentGroup == "" {
			return nil, recorderrors.Newf(recorderrors.CodeCacheCorrupt,
				"kvfile: key=value outside any group at line %d", lineNo)
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, recorderrors.Newf(recorderrors.CodeCacheCorrupt,
				"kvfile: malformed line %d: %q", lineNo, line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		kv.Set(currentGroup, key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}

// Set stores value under group/key, preserving first-seen ordering.
func (kv *KVFile) Set(group, key, value string) {
	if kv.groups[group] == nil {
		kv.groups[group] = make(map[string]string)
		kv.groupOrder = append(kv.groupOrder, group)
	}
	if _, exists := kv.groups[group][key]; !exists {
		kv.keyOrder[group] = append(kv.keyOrder[group], key)
	}
	kv.groups[group][key] = value
}

// SetInt64, SetUint64 and SetBool store numeric/boolean values in their
// canonical string form.
func (kv *KVFile) SetInt64(group, key string, v int64)   { kv.Set(group, key, strconv.FormatInt(v, 10)) }
func (kv *KVFile) SetUint64(group, key string, v uint64) { kv.Set(group, key, strconv.FormatUint(v, 10)) }
func (kv *KVFile) SetBool(group, key string, v bool)     { kv.Set(group, key, strconv.FormatBool(v)) }

// GetString returns the raw string value, or ok=false if absent.
func (kv *KVFile) GetString(group, key string) (string, bool) {
	g, ok := kv.groups[group]
	if !ok {
		return "", false
	}
	v, ok := g[key]
	return v, ok
}

// GetInt64 parses the value as a signed 64-bit integer.
func (kv *KVFile) GetInt64(group, key string) (int64, bool, error) {
	s, ok := kv.GetString(group, key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, recorderrors.Wrap(err, recorderrors.CodeCacheCorrupt,
			fmt.Sprintf("kvfile: %s/%s is not an int64: %q", group, key, s))
	}
	return v, true, nil
}

// GetUint64 parses the value as an unsigned 64-bit integer.
func (kv *KVFile) GetUint64(group, key string) (uint64, bool, error) {
	s, ok := kv.GetString(group, key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, true, recorderrors.Wrap(err, recorderrors.CodeCacheCorrupt,
			fmt.Sprintf("kvfile: %s/%s is not a uint64: %q", group, key, s))
	}
	return v, true, nil
}

// GetBool parses the value as a boolean.
func (kv *KVFile) GetBool(group, key string) (bool, bool, error) {
	s, ok := kv.GetString(group, key)
	if !ok {
		return false, false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, true, recorderrors.Wrap(err, recorderrors.CodeCacheCorrupt,
			fmt.Sprintf("kvfile: %s/%s is not a bool: %q", group, key, s))
	}
	return v, true, nil
}

// Has reports whether group/key is present.
func (kv *KVFile) Has(group, key string) bool {
	_, ok := kv.GetString(group, key)
	return ok
}

// Encode renders the document back to its text form.
func (kv *KVFile) Encode() []byte {
	var b strings.Builder
	for _, group := range kv.groupOrder {
		fmt.Fprintf(&b, "[%s]\n", group)
		for _, key := range kv.keyOrder[group] {
			fmt.Fprintf(&b, "%s=%s\n", key, kv.groups[group][key])
		}
	}
	return []byte(b.String())
}

// Save writes the document to path atomically: a temp file in the same
// directory is written and fsynced, then renamed over path, mirroring the
// teacher's atomic write in config_writer.go so a crash never leaves a
// half-written sidecar (SPEC_FULL.md §3's "saved record never partially
// visible" invariant applies equally to metadata files).
func (kv *KVFile) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "kvfile: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(kv.Encode()); err != nil {
		tmp.Close()
		return recorderrors.Wrap(err, recorderrors.CodeIO, "kvfile: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return recorderrors.Wrap(err, recorderrors.CodeIO, "kvfile: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "kvfile: close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "kvfile: rename temp file")
	}
	return nil
}
