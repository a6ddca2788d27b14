/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package propfile stores string properties in a file, in a binary, a
// gzip-compressed binary or an XML layout.
package propfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ErrBadFormat is returned when a file exists but is not a property file.
var ErrBadFormat = errors.New("not a property file")

// Format selects the on-disk layout used by Save.
type Format int

const (
	// Binary is "PROP" followed by a little-endian count and
	// null-terminated key/value pairs.
	Binary Format = iota
	// Compressed is "CPRP" followed by the binary body, gzipped.
	Compressed
	// XML is a PROPERTIES element with one VALUE child per key.
	XML
)

var (
	magicBinary     = []byte("PROP")
	magicCompressed = []byte("CPRP")
)

func (f Format) String() string {
	switch f {
	case Binary:
		return "binary"
	case Compressed:
		return "compressed"
	case XML:
		return "xml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a config name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "binary", "":
		return Binary, nil
	case "compressed":
		return Compressed, nil
	case "xml":
		return XML, nil
	}
	return 0, fmt.Errorf("unknown property file format %q", name)
}

// File is a set of properties backed by a path. It is safe for concurrent
// use.
type File struct {
	path   string
	format Format
	log    zerolog.Logger

	mu     sync.Mutex
	values map[string]string
	dirty  bool
}

// Open loads path if it exists. A missing file yields an empty set; a file
// in any of the three layouts is read regardless of format, which only
// governs Save.
func Open(path string, format Format, log zerolog.Logger) (*File, error) {
	f := &File{
		path:   path,
		format: format,
		log:    log.With().Str("component", "propfile").Str("path", path).Logger(),
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read property file: %w", err)
	}

	values, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	f.values = values
	f.log.Debug().Int("keys", len(values)).Msg("properties loaded")
	return f, nil
}

func (f *File) Path() string { return f.path }

// Get returns the value for key and whether it is set.
func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

// Set stores value under key.
func (f *File) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.values[key]; ok && old == value {
		return
	}
	f.values[key] = value
	f.dirty = true
}

func (f *File) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		delete(f.values, key)
		f.dirty = true
	}
}

// Keys returns the keys in sorted order.
func (f *File) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NeedsSaving reports whether values changed since the last load or save.
func (f *File) NeedsSaving() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// SaveIfNeeded saves only when values changed.
func (f *File) SaveIfNeeded() error {
	if !f.NeedsSaving() {
		return nil
	}
	return f.Save()
}

// Save writes every property to a temporary file next to the target and
// renames it into place.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	if err := encode(&buf, f.format, f.values); err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if err := writeAtomic(f.path, buf.Bytes()); err != nil {
		return err
	}
	f.dirty = false
	f.log.Debug().Int("keys", len(f.values)).Str("format", f.format.String()).Msg("properties saved")
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create property directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write properties: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close properties: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace property file: %w", err)
	}
	return nil
}

func encode(w io.Writer, format Format, values map[string]string) error {
	switch format {
	case Binary:
		if _, err := w.Write(magicBinary); err != nil {
			return err
		}
		return writeBody(w, values)
	case Compressed:
		if _, err := w.Write(magicCompressed); err != nil {
			return err
		}
		zw := gzip.NewWriter(w)
		if err := writeBody(zw, values); err != nil {
			return err
		}
		return zw.Close()
	case XML:
		return writeXML(w, values)
	}
	return fmt.Errorf("unknown format %d", int(format))
}

func decode(data []byte) (map[string]string, error) {
	switch {
	case bytes.HasPrefix(data, magicBinary):
		return readBody(bytes.NewReader(data[len(magicBinary):]))
	case bytes.HasPrefix(data, magicCompressed):
		zr, err := gzip.NewReader(bytes.NewReader(data[len(magicCompressed):]))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
		}
		defer func() { _ = zr.Close() }()
		return readBody(zr)
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")):
		return readXML(data)
	}
	return nil, ErrBadFormat
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeBody(w io.Writer, values map[string]string) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int32(len(values))); err != nil {
		return err
	}
	for _, k := range sortedKeys(values) {
		for _, s := range [2]string{k, values[k]} {
			if _, err := bw.WriteString(s); err != nil {
				return err
			}
			if err := bw.WriteByte(0); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func readBody(r io.Reader) (map[string]string, error) {
	br := bufio.NewReader(r)
	var count int32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: missing count: %w", ErrBadFormat, err)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrBadFormat)
	}

	values := make(map[string]string, min(int(count), 1024))
	for i := int32(0); i < count; i++ {
		key, err := readString(br)
		if err != nil {
			return nil, err
		}
		value, err := readString(br)
		if err != nil {
			return nil, err
		}
		if key != "" {
			values[key] = value
		}
	}
	return values, nil
}

func readString(br *bufio.Reader) (string, error) {
	s, err := br.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("%w: truncated entry", ErrBadFormat)
	}
	return s[:len(s)-1], nil
}

type xmlProperties struct {
	XMLName xml.Name   `xml:"PROPERTIES"`
	Values  []xmlValue `xml:"VALUE"`
}

// xmlValue carries a plain value in val. A value that is itself a single XML
// element is nested as the VALUE's child instead.
type xmlValue struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"val,attr,omitempty"`
	Inner string `xml:",innerxml"`
}

func writeXML(w io.Writer, values map[string]string) error {
	doc := xmlProperties{Values: make([]xmlValue, 0, len(values))}
	for _, k := range sortedKeys(values) {
		v := xmlValue{Name: k}
		if isXMLElement(values[k]) {
			v.Inner = values[k]
		} else {
			v.Value = values[k]
		}
		doc.Values = append(doc.Values, v)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func readXML(data []byte) (map[string]string, error) {
	var doc xmlProperties
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}
	values := make(map[string]string, len(doc.Values))
	for _, v := range doc.Values {
		if v.Name == "" {
			continue
		}
		if inner := strings.TrimSpace(v.Inner); isXMLElement(inner) {
			values[v.Name] = inner
		} else {
			values[v.Name] = v.Value
		}
	}
	return values, nil
}

// isXMLElement reports whether s is exactly one well-formed element, with
// no surrounding whitespace, prolog or trailing text.
func isXMLElement(s string) bool {
	if s == "" || s[0] != '<' || strings.TrimSpace(s) != s {
		return false
	}
	dec := xml.NewDecoder(strings.NewReader(s))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return depth == 0 && roots == 1
		}
		if err != nil {
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return false
			}
		case xml.ProcInst, xml.Directive:
			if depth == 0 {
				return false
			}
		}
		if roots > 1 {
			return false
		}
	}
}
