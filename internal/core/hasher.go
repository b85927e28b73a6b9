package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Fingerprint is the content identity of a stage's inputs.
//
// It covers the stage name, params, every upstream input file and every
// source file. Timestamps and file metadata are excluded.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// FingerprintInput holds the components hashed by ComputeFingerprint.
type FingerprintInput struct {
	Stage  string
	Params map[string]string
	// Inputs maps each upstream ref to its absolute path.
	Inputs map[InputRef]string
	// Sources are absolute paths of external files.
	Sources []string
}

// ComputeFingerprint hashes, in order:
//  1. stage name
//  2. params sorted by key
//  3. inputs sorted by ref, each ref followed by its file contents
//  4. sources sorted by path, each followed by its file contents
//
// All fields are length-prefixed. Directories contribute every regular file
// beneath them in lexical order; shapefiles contribute their sidecars.
func ComputeFingerprint(in FingerprintInput) (Fingerprint, error) {
	h := sha256.New()

	writeField(h, []byte(in.Stage))

	keys := make([]string, 0, len(in.Params))
	for k := range in.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(h, len(keys))
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(in.Params[k]))
	}

	refs := make([]InputRef, 0, len(in.Inputs))
	for r := range in.Inputs {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	writeCount(h, len(refs))
	for _, r := range refs {
		writeField(h, []byte(r.String()))
		if err := hashTree(h, in.Inputs[r]); err != nil {
			return "", fmt.Errorf("fingerprinting %s: %w", r, err)
		}
	}

	sources := append([]string(nil), in.Sources...)
	sort.Strings(sources)
	writeCount(h, len(sources))
	for _, s := range sources {
		writeField(h, []byte(filepath.Base(s)))
		if err := hashTree(h, s); err != nil {
			return "", fmt.Errorf("fingerprinting source %s: %w", s, err)
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	writeField(h, b[:])
}

func hashTree(h hash.Hash, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		for _, f := range BundleFiles(root) {
			writeField(h, []byte(filepath.Ext(f)))
			if err := hashFile(h, f); err != nil {
				return err
			}
		}
		return nil
	}
	// WalkDir visits entries in lexical order.
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		writeField(h, []byte(filepath.ToSlash(rel)))
		return hashFile(h, p)
	})
}

func hashFile(h hash.Hash, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(info.Size()))
	h.Write(n[:])
	_, err = io.Copy(h, f)
	return err
}
