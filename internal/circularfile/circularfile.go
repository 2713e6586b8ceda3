// Package circularfile implements the bounded-size FIFO of length-prefixed
// byte records described in SPEC_FULL.md §4.1. It is the lowest layer of the
// persistent cache: a plain file of exactly max_size bytes once anything has
// been saved, with a sidecar metadata file tracking head/size/max_size.
//
// The atomic-write and sidecar-rewrite discipline is grounded on the
// teacher's ConfigWriter (agilira/argus config_writer.go), which always
// writes a temp file and renames it into place; BoreasLite's single-writer,
// cursor-based bookkeeping (boreaslite.go) is the model for head/size
// arithmetic, generalized from an in-memory ring of fixed-size structs to an
// on-disk ring of variable-length records.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package circularfile

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/lantern-labs/metricsrecorder/internal/kvfile"
	"github.com/lantern-labs/metricsrecorder/internal/recorderrors"
)

const lengthPrefixSize = 8

// Handle is an open circular file plus its sidecar metadata.
type Handle struct {
	path         string
	metadataPath string

	maxSize uint64
	size    uint64
	head    int64

	// pending holds appended-but-not-yet-saved bytes, already
	// length-prefixed, in the order Append was called.
	pending []byte
}

// New creates or opens a circular file at path with sidecar metadata at
// path+".metadata". When the sidecar is missing, empty, or reinitialize is
// set, the data file is truncated and the sidecar rewritten with
// size=0, head=0, max_size=maxSize. When the sidecar records a different
// max_size, the file is resized per resize() below.
func New(path string, maxSize uint64, reinitialize bool) (*Handle, error) {
	metadataPath := path + ".metadata"

	if reinitialize {
		return reinit(path, metadataPath, maxSize)
	}

	info, err := os.Stat(metadataPath)
	if err != nil || info.Size() == 0 {
		return reinit(path, metadataPath, maxSize)
	}

	kv, err := kvfile.Load(metadataPath)
	if err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeCircularFileInvalid,
			"circularfile: corrupt metadata sidecar")
	}

	storedMax, ok, err := kv.GetUint64("metadata", "max_size")
	if err != nil || !ok {
		return nil, recorderrors.Newf(recorderrors.CodeCircularFileInvalid,
			"circularfile: metadata sidecar missing max_size")
	}
	storedSize, ok, err := kv.GetUint64("metadata", "size")
	if err != nil || !ok {
		return nil, recorderrors.Newf(recorderrors.CodeCircularFileInvalid,
			"circularfile: metadata sidecar missing size")
	}
	storedHead, ok, err := kv.GetInt64("metadata", "head")
	if err != nil || !ok {
		return nil, recorderrors.Newf(recorderrors.CodeCircularFileInvalid,
			"circularfile: metadata sidecar missing head")
	}

	h := &Handle{
		path:         path,
		metadataPath: metadataPath,
		maxSize:      storedMax,
		size:         storedSize,
		head:         storedHead,
	}

	if storedMax != maxSize {
		if err := h.resize(maxSize); err != nil {
			return nil, err
		}
	}

	if err := h.ensureDataFileSize(); err != nil {
		return nil, err
	}

	return h, nil
}

func reinit(path, metadataPath string, maxSize uint64) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: create data file")
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: truncate data file")
	}
	f.Close()

	h := &Handle{path: path, metadataPath: metadataPath, maxSize: maxSize, size: 0, head: 0}
	if err := h.writeMetadata(); err != nil {
		return nil, err
	}
	if err := h.ensureDataFileSize(); err != nil {
		return nil, err
	}
	return h, nil
}

// ensureDataFileSize grows the physical file to maxSize with zero bytes if
// it is currently shorter, satisfying §4.1's "the data file is exactly
// max_size bytes once any record has been saved" invariant up front.
func (h *Handle) ensureDataFileSize() error {
	info, err := os.Stat(h.path)
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: stat data file")
	}
	if uint64(info.Size()) >= h.maxSize {
		return nil
	}
	f, err := os.OpenFile(h.path, os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: open data file")
	}
	defer f.Close()
	if err := f.Truncate(int64(h.maxSize)); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: grow data file")
	}
	return nil
}

func (h *Handle) writeMetadata() error {
	kv := kvfile.New()
	kv.SetUint64("metadata", "max_size", h.maxSize)
	kv.SetUint64("metadata", "size", h.size)
	kv.SetInt64("metadata", "head", h.head)
	return kv.Save(h.metadataPath)
}

// writeMetadataSizeOnly rewrites only size, per §4.1's "Metadata update
// writes the new size only; head is unchanged by a save" rule. In practice
// this still rewrites the whole sidecar (it is small), but head and
// max_size are copied through unchanged from in-memory state.
func (h *Handle) writeMetadataSizeOnly() error {
	return h.writeMetadata()
}

// Append buffers bytes prefixed with a little-endian u64 length. It reports
// full by returning false (not an error) and leaves the pending buffer
// untouched when size + buffered + 8 + len(bytes) would exceed max_size.
func (h *Handle) Append(payload []byte) (ok bool) {
	needed := uint64(lengthPrefixSize + len(payload))
	if h.size+uint64(len(h.pending))+needed > h.maxSize {
		return false
	}

	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(payload)))
	h.pending = append(h.pending, prefix[:]...)
	h.pending = append(h.pending, payload...)
	return true
}

// Save atomically flushes the buffered appends to the data file, then
// updates the metadata file's size field. The write splits across the wrap
// point: the prefix that fits between (head+size) mod max_size and max_size
// is written first, any remainder at offset 0.
func (h *Handle) Save() error {
	if len(h.pending) == 0 {
		return nil
	}

	f, err := os.OpenFile(h.path, os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: open data file for save")
	}
	defer f.Close()

	writeOffset := int64((h.head + int64(h.size)) % int64(h.maxSize))
	tailSpace := int64(h.maxSize) - writeOffset
	data := h.pending

	if int64(len(data)) <= tailSpace {
		if _, err := f.WriteAt(data, writeOffset); err != nil {
			return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: write tail segment")
		}
	} else {
		if _, err := f.WriteAt(data[:tailSpace], writeOffset); err != nil {
			return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: write tail segment")
		}
		if _, err := f.WriteAt(data[tailSpace:], 0); err != nil {
			return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: write wrapped segment")
		}
	}
	if err := f.Sync(); err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: sync data file")
	}

	h.size += uint64(len(data))
	h.pending = h.pending[:0]

	return h.writeMetadataSizeOnly()
}

// ReadResult is the outcome of a Read call.
type ReadResult struct {
	// Records is the sequence of decoded payloads, oldest first.
	Records [][]byte
	// Token identifies the prefix of on-disk bytes these records occupy;
	// pass it to Remove to free exactly them.
	Token uint64
	// HasInvalid is true when a zero-length prefix was encountered and
	// reading stopped early due to corruption.
	HasInvalid bool
}

// Read starts at head and decodes length-prefixed records whose payload
// bytes sum to at most byteBudget; the first record is always returned,
// even when it alone exceeds the budget. A zero-length prefix is treated as
// irrecoverable corruption beyond that point: size is truncated to the
// bytes already consumed, HasInvalid is set, and iteration stops.
func (h *Handle) Read(byteBudget uint64) (ReadResult, error) {
	f, err := os.Open(h.path) // #nosec G304
	if err != nil {
		return ReadResult{}, recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: open data file for read")
	}
	defer f.Close()

	var result ReadResult
	var consumed uint64
	var elementBytes uint64
	cursor := h.head

	for consumed < h.size {
		remaining := h.size - consumed
		prefixBytes, err := h.readWrapped(f, cursor, lengthPrefixSize)
		if err != nil {
			return ReadResult{}, err
		}
		length := binary.LittleEndian.Uint64(prefixBytes)

		if length == 0 {
			h.size = consumed
			result.HasInvalid = true
			break
		}
		if remaining < lengthPrefixSize+length {
			// A partial trailing record; treat as corruption boundary.
			h.size = consumed
			result.HasInvalid = true
			break
		}
		if elementBytes+length > byteBudget && len(result.Records) > 0 {
			break
		}

		payload, err := h.readWrapped(f, (cursor+lengthPrefixSize)%int64(h.maxSize), int64(length))
		if err != nil {
			return ReadResult{}, err
		}

		result.Records = append(result.Records, payload)
		consumed += lengthPrefixSize + length
		elementBytes += length
		cursor = (cursor + lengthPrefixSize + int64(length)) % int64(h.maxSize)

		if elementBytes >= byteBudget {
			break
		}
	}

	result.Token = consumed
	if result.HasInvalid {
		if err := h.writeMetadataSizeOnly(); err != nil {
			return ReadResult{}, err
		}
	}
	return result, nil
}

// readWrapped reads n bytes starting at offset, wrapping from max_size-1 to
// 0 exactly as writes do. A physical file shorter than max_size during a
// wrap-spanning read is a hard "invalid data" error per §4.1.
func (h *Handle) readWrapped(f *os.File, offset int64, n int64) ([]byte, error) {
	tailSpace := int64(h.maxSize) - offset
	buf := make([]byte, n)

	if n <= tailSpace {
		if _, err := io.ReadFull(io.NewSectionReader(f, offset, n), buf); err != nil {
			return nil, recorderrors.Wrap(err, recorderrors.CodeCircularFileInvalid, "circularfile: short read")
		}
		return buf, nil
	}

	if _, err := io.ReadFull(io.NewSectionReader(f, offset, tailSpace), buf[:tailSpace]); err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeCircularFileInvalid, "circularfile: short read before wrap")
	}
	remainder := n - tailSpace
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, remainder), buf[tailSpace:]); err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeCircularFileInvalid, "circularfile: short read after wrap")
	}
	return buf, nil
}

// HasMore reports whether token identifies a strict prefix of the currently
// committed records, i.e. whether more remains beyond it.
func (h *Handle) HasMore(token uint64) bool {
	return token < h.size
}

// Remove advances head by token (mod max_size) and decrements size by
// token. token=0 is a no-op.
func (h *Handle) Remove(token uint64) error {
	if token == 0 {
		return nil
	}
	if token > h.size {
		token = h.size
	}
	h.head = (h.head + int64(token)) % int64(h.maxSize)
	h.size -= token
	return h.writeMetadataSizeOnly()
}

// Purge sets size=0, leaving head and the physical data file unchanged.
func (h *Handle) Purge() error {
	h.size = 0
	return h.writeMetadataSizeOnly()
}

// Size returns the logical number of committed bytes.
func (h *Handle) Size() uint64 { return h.size }

// MaxSize returns the configured capacity in bytes.
func (h *Handle) MaxSize() uint64 { return h.maxSize }

// resize rebuilds the file for a new max_size: if larger, the metadata is
// updated first; if smaller, after. Records whose trailing byte would be
// lost are dropped at record boundaries, never truncated in place.
func (h *Handle) resize(newMaxSize uint64) error {
	origMaxSize := h.maxSize
	origHead := h.head
	origSize := h.size
	growing := newMaxSize > origMaxSize

	if growing {
		h.maxSize = newMaxSize
		if err := h.writeMetadata(); err != nil {
			return err
		}
	}

	kept, err := h.readAllForResize(origMaxSize, origHead, origSize, newMaxSize)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: truncate for resize")
	}
	if _, err := f.Write(kept); err != nil {
		f.Close()
		return recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: write resized contents")
	}
	f.Close()

	h.maxSize = newMaxSize
	h.head = 0
	h.size = uint64(len(kept))

	if err := h.ensureDataFileSize(); err != nil {
		return err
	}

	if !growing {
		return h.writeMetadata()
	}
	return h.writeMetadataSizeOnly()
}

// readAllForResize reads the logical contents up to the smaller of the old
// and new max_size, dropping any record whose trailing byte would not fit,
// and returns them re-serialized (still length-prefixed) for a fresh,
// head=0 file.
func (h *Handle) readAllForResize(oldMax uint64, oldHead int64, oldSize uint64, newMaxSize uint64) ([]byte, error) {
	budget := oldMax
	if newMaxSize < budget {
		budget = newMaxSize
	}

	f, err := os.Open(h.path) // #nosec G304
	if err != nil {
		return nil, recorderrors.Wrap(err, recorderrors.CodeIO, "circularfile: open for resize read")
	}
	defer f.Close()

	var out []byte
	var consumed uint64
	cursor := oldHead

	for consumed < oldSize {
		remaining := oldSize - consumed
		prefixBytes, err := h.readWrappedAt(f, cursor, lengthPrefixSize, oldMax)
		if err != nil {
			return nil, err
		}
		length := binary.LittleEndian.Uint64(prefixBytes)
		if length == 0 || remaining < lengthPrefixSize+length {
			break
		}
		recordLen := lengthPrefixSize + length
		if uint64(len(out))+recordLen > budget {
			break
		}

		payload, err := h.readWrappedAt(f, (cursor+lengthPrefixSize)%int64(oldMax), int64(length), oldMax)
		if err != nil {
			return nil, err
		}

		out = append(out, prefixBytes...)
		out = append(out, payload...)

		consumed += recordLen
		cursor = (cursor + int64(recordLen)) % int64(oldMax)
	}

	return out, nil
}

func (h *Handle) readWrappedAt(f *os.File, offset, n int64, maxSize uint64) ([]byte, error) {
	saved := h.maxSize
	h.maxSize = maxSize
	defer func() { h.maxSize = saved }()
	return h.readWrapped(f, offset, n)
}
