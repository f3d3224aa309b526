package otazip

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"github.com/rattlesnakeos/otatools/internal/payload"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
)

const (
	// MetadataName is the text metadata entry
	MetadataName = "META-INF/com/android/metadata"
	// MetadataPbName is the protobuf metadata entry
	MetadataPbName = "META-INF/com/android/metadata.pb"
	// PayloadName is the A/B payload entry
	PayloadName = "payload.bin"
	// PayloadPropertiesName is the payload properties entry
	PayloadPropertiesName = "payload_properties.txt"

	payloadMetadataToken = "payload_metadata.bin"
)

// PropertyFiles is a metadata property listing name:offset:length tokens of stored entries
type PropertyFiles struct {
	Key      string
	Required []string
	Optional []string
	// PayloadMetadata adds a token for the metadata region of payload.bin
	PayloadMetadata bool
}

// StreamingPropertyFiles lists what an A/B device needs to stream the payload
func StreamingPropertyFiles() PropertyFiles {
	return PropertyFiles{
		Key:      "ota-streaming-property-files",
		Required: []string{PayloadName, PayloadPropertiesName},
		Optional: []string{"care_map.pb", "care_map.txt", "compatibility.zip"},
	}
}

// AbOtaPropertyFiles adds the payload metadata region to the streaming set
func AbOtaPropertyFiles() PropertyFiles {
	p := StreamingPropertyFiles()
	p.Key = "ota-property-files"
	p.PayloadMetadata = true
	return p
}

// NonAbOtaPropertyFiles only addresses the metadata entries
func NonAbOtaPropertyFiles() PropertyFiles {
	return PropertyFiles{Key: "ota-property-files"}
}

// entries returns the archive entries the tokens address, in token order. Metadata
// entries always come last.
func (p PropertyFiles) entries(has func(string) bool) ([]string, error) {
	var out []string
	for _, name := range p.Required {
		if !has(name) {
			return nil, fmt.Errorf("%v requires '%v': %w", p.Key, name, ErrMissingEntry)
		}
		out = append(out, name)
	}
	for _, name := range p.Optional {
		if has(name) {
			out = append(out, name)
		}
	}
	for _, name := range []string{MetadataName, MetadataPbName} {
		if has(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// reserve returns the length of the property value for an archive of at most bound bytes
func (p PropertyFiles) reserve(names []string, bound int64) int {
	digits := len(strconv.FormatInt(bound, 10))
	n := 0
	tokens := append([]string(nil), names...)
	if p.PayloadMetadata {
		tokens = append(tokens, payloadMetadataToken)
	}
	for _, name := range tokens {
		n += len(path.Base(name)) + 2 + 2*digits + 1
	}
	return n - 1
}

// Compute returns the tokens of p for an archive
func (p PropertyFiles) Compute(r *zip.Reader) (string, error) {
	files := map[string]*zip.File{}
	for _, f := range r.File {
		files[f.Name] = f
	}
	names, err := p.entries(func(name string) bool { return files[name] != nil })
	if err != nil {
		return "", err
	}

	var tokens []string
	for _, name := range names {
		f := files[name]
		if f.Method != zip.Store {
			return "", fmt.Errorf("'%v' is not stored: %w", name, ErrPropertyFilesMismatch)
		}
		offset, err := f.DataOffset()
		if err != nil {
			return "", err
		}
		tokens = append(tokens, fmt.Sprintf("%v:%d:%d", path.Base(name), offset, f.CompressedSize64))
	}
	if p.PayloadMetadata {
		f := files[PayloadName]
		offset, err := f.DataOffset()
		if err != nil {
			return "", err
		}
		size, err := payloadMetadataSize(f)
		if err != nil {
			return "", err
		}
		// ahead of the metadata tokens
		metadataTokens := 0
		for _, name := range names {
			if name == MetadataName || name == MetadataPbName {
				metadataTokens++
			}
		}
		at := len(tokens) - metadataTokens
		token := fmt.Sprintf("%v:%d:%d", payloadMetadataToken, offset, size)
		tokens = append(tokens[:at], append([]string{token}, tokens[at:]...)...)
	}
	return strings.Join(tokens, ","), nil
}

func payloadMetadataSize(f *zip.File) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	header := make([]byte, 24)
	if _, err := io.ReadFull(rc, header); err != nil {
		return 0, fmt.Errorf("'%v': %v: %w", f.Name, err, payload.ErrInvalidPayload)
	}
	manifestSize := binary.BigEndian.Uint64(header[12:])
	signatureSize := binary.BigEndian.Uint32(header[20:])
	metadata := make([]byte, manifestSize)
	if _, err := io.ReadFull(rc, metadata); err != nil {
		return 0, fmt.Errorf("'%v': %v: %w", f.Name, err, payload.ErrInvalidPayload)
	}
	signature := make([]byte, signatureSize)
	if _, err := io.ReadFull(rc, signature); err != nil {
		return 0, fmt.Errorf("'%v': %v: %w", f.Name, err, payload.ErrInvalidPayload)
	}
	if _, err := payload.ReadHeader(append(append(header, metadata...), signature...)); err != nil {
		return 0, err
	}
	return int64(len(header) + len(metadata) + len(signature)), nil
}

// Render returns the contents of the metadata entries for the given property values
type Render func(values map[string]string) (map[string][]byte, error)

// Finalize writes the archive to dest with its property files resolved. The metadata is
// rendered first with space reserved for every property, then once more with the
// measured values padded to the reservation, so no entry moves between the two writes.
func Finalize(a *Archive, dest string, files []PropertyFiles, render Render) error {
	var bound int64
	for _, e := range a.entries {
		size, err := e.size()
		if err != nil {
			return err
		}
		// local and central headers, zip64 extras
		bound += size + 2*int64(len(e.Name)) + 30 + 46 + 64
	}
	bound += 1 << 16

	reserved := map[string]int{}
	values := map[string]string{}
	for _, p := range files {
		names, err := p.entries(func(name string) bool { _, ok := a.index[name]; return ok })
		if err != nil {
			return err
		}
		for _, name := range names {
			a.index[name].Method = Store
		}
		reserved[p.Key] = p.reserve(names, bound)
		values[p.Key] = strings.Repeat(" ", reserved[p.Key])
	}

	sizes, err := apply(a, render, values)
	if err != nil {
		return err
	}
	if err := a.WriteFile(dest); err != nil {
		return err
	}

	measured, err := computeAll(dest, files)
	if err != nil {
		return err
	}
	for _, p := range files {
		value := measured[p.Key]
		if len(value) > reserved[p.Key] {
			return fmt.Errorf("%v needs %d bytes, reserved %d: %w", p.Key, len(value), reserved[p.Key], ErrInsufficientSpace)
		}
		values[p.Key] = value + strings.Repeat(" ", reserved[p.Key]-len(value))
		log.Debugf("%v=%v", p.Key, value)
	}

	final, err := apply(a, render, values)
	if err != nil {
		return err
	}
	for name, size := range sizes {
		if final[name] != size {
			return fmt.Errorf("'%v' changed size from %d to %d: %w", name, size, final[name], ErrInsufficientSpace)
		}
	}
	if err := a.WriteFile(dest); err != nil {
		return err
	}
	return Verify(dest, files)
}

func apply(a *Archive, render Render, values map[string]string) (map[string]int, error) {
	entries, err := render(values)
	if err != nil {
		return nil, err
	}
	sizes := map[string]int{}
	for name, data := range entries {
		if err := a.Set(name, data); err != nil {
			return nil, err
		}
		a.index[name].Method = Store
		sizes[name] = len(data)
	}
	return sizes, nil
}

func computeAll(dest string, files []PropertyFiles) (map[string]string, error) {
	r, err := zip.OpenReader(dest)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	out := map[string]string{}
	for _, p := range files {
		if out[p.Key], err = p.Compute(&r.Reader); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Verify re-reads a finalized package: every property in its text metadata must equal
// the tokens computed from the archive, and every token must address exactly the bytes
// of its entry.
func Verify(dest string, files []PropertyFiles) error {
	r, err := zip.OpenReader(dest)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	metadata, err := ReadMetadata(&r.Reader)
	if err != nil {
		return err
	}
	for _, p := range files {
		expected, err := p.Compute(&r.Reader)
		if err != nil {
			return err
		}
		if got := strings.TrimSpace(metadata[p.Key]); got != expected {
			return fmt.Errorf("%v is %q, archive has %q: %w", p.Key, got, expected, ErrPropertyFilesMismatch)
		}
		if err := checkTokens(dest, &r.Reader, expected); err != nil {
			return err
		}
	}
	return nil
}

func checkTokens(dest string, r *zip.Reader, value string) error {
	files := map[string]*zip.File{}
	for _, f := range r.File {
		files[path.Base(f.Name)] = f
	}
	raw, err := os.Open(dest)
	if err != nil {
		return err
	}
	defer func() { _ = raw.Close() }()

	for _, token := range strings.Split(value, ",") {
		parts := strings.Split(token, ":")
		if len(parts) != 3 {
			return fmt.Errorf("token %q: %w", token, ErrPropertyFilesMismatch)
		}
		offset, err1 := strconv.ParseInt(parts[1], 10, 64)
		length, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("token %q: %w", token, ErrPropertyFilesMismatch)
		}
		name := parts[0]
		if name == payloadMetadataToken {
			name = PayloadName
		}
		f, ok := files[name]
		if !ok {
			return fmt.Errorf("token %q: %w", token, ErrMissingEntry)
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		want := make([]byte, length)
		_, err = io.ReadFull(rc, want)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("token %q: %v: %w", token, err, ErrPropertyFilesMismatch)
		}
		got := make([]byte, length)
		if _, err := raw.ReadAt(got, offset); err != nil {
			return fmt.Errorf("token %q: %v: %w", token, err, ErrPropertyFilesMismatch)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("token %q does not address %v: %w", token, f.Name, ErrPropertyFilesMismatch)
		}
	}
	return nil
}

// ReadMetadata parses the text metadata of an archive
func ReadMetadata(r *zip.Reader) (map[string]string, error) {
	for _, f := range r.File {
		if f.Name != MetadataName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		out := map[string]string{}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if key, value, ok := strings.Cut(scanner.Text(), "="); ok {
				out[key] = value
			}
		}
		return out, scanner.Err()
	}
	return nil, fmt.Errorf("'%v': %w", MetadataName, ErrMissingEntry)
}
