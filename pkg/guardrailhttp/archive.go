package guardrailhttp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"strings"
)

// Archive peek over base64-embedded zip/tar blobs in JSON payloads
// (stage 9): list entry names, sample small text files, recurse into
// nested archives up to a fixed depth, never past the byte/entry
// bounds.

const (
	archiveMaxBlobBytes = 256 * 1024
	archiveMaxFiles     = 64
	archiveMaxDepth     = 2
	archiveMaxSample    = 4096
)

var archiveTextExts = []string{".txt", ".md", ".csv", ".json", ".yaml", ".yml", ".xml", ".html", ".htm"}
var archiveNameHints = []string{".zip", ".tar", ".tgz", ".tar.gz", ".tar.bz2", ".tbz2"}

func looksLikeText(name string) bool {
	n := strings.ToLower(name)
	for _, ext := range archiveTextExts {
		if strings.HasSuffix(n, ext) {
			return true
		}
	}
	return false
}

func looksLikeArchive(name string) bool {
	n := strings.ToLower(name)
	for _, ext := range archiveNameHints {
		if strings.HasSuffix(n, ext) {
			return true
		}
	}
	return false
}

// archiveStats mirrors the Python peek stats dict.
type archiveStats struct {
	FilesListed   int
	Samples       int
	NestedBlocked int
	Errors        int
}

func (s *archiveStats) add(o archiveStats) {
	s.FilesListed += o.FilesListed
	s.Samples += o.Samples
	s.NestedBlocked += o.NestedBlocked
	s.Errors += o.Errors
}

// peekZip lists entries in a zip archive, sampling text-file contents
// and recursing into nested archives up to maxDepth.
func peekZip(buf []byte, depth int) (names, texts []string, stats archiveStats) {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		stats.Errors++
		return
	}
	for i, f := range zr.File {
		if i >= archiveMaxFiles {
			break
		}
		names = append(names, f.Name)
		stats.FilesListed++

		if looksLikeText(f.Name) && !f.FileInfo().IsDir() {
			if txt, ok := readZipSample(f); ok {
				texts = append(texts, txt)
				stats.Samples++
			} else {
				stats.Errors++
			}
		}

		if depth < archiveMaxDepth && looksLikeArchive(f.Name) {
			blob, ok := readZipBlob(f, archiveMaxBlobBytes)
			switch {
			case !ok:
				stats.Errors++
			case len(blob) == 0 || len(blob) > archiveMaxBlobBytes:
				stats.NestedBlocked++
			default:
				nn, tt, st := peekAny(blob, f.Name, depth+1)
				names = append(names, limitStrings(nn, maxInt(0, archiveMaxFiles-len(names)))...)
				texts = append(texts, tt...)
				stats.add(st)
			}
		}
	}
	return
}

func readZipBlob(f *zip.File, maxBytes int) ([]byte, bool) {
	rc, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, int64(maxBytes)+1))
	if err != nil {
		return nil, false
	}
	return data, true
}

func readZipSample(f *zip.File) (string, bool) {
	rc, err := f.Open()
	if err != nil {
		return "", false
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, archiveMaxSample))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// peekTar lists entries in a tar or gzip-tar archive, mirroring peekZip.
func peekTar(buf []byte, depth int) (names, texts []string, stats archiveStats) {
	r, err := openTarReader(buf)
	if err != nil {
		stats.Errors++
		return
	}
	tr := tar.NewReader(r)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.Errors++
			break
		}
		if count >= archiveMaxFiles {
			break
		}
		count++
		names = append(names, hdr.Name)
		stats.FilesListed++

		if hdr.Typeflag == tar.TypeReg && looksLikeText(hdr.Name) && hdr.Size <= archiveMaxSample {
			data, rerr := io.ReadAll(io.LimitReader(tr, archiveMaxSample))
			if rerr != nil {
				stats.Errors++
			} else if len(data) > 0 {
				texts = append(texts, string(data))
				stats.Samples++
			}
			continue
		}

		if depth < archiveMaxDepth && looksLikeArchive(hdr.Name) && hdr.Size <= archiveMaxBlobBytes {
			nb, rerr := io.ReadAll(io.LimitReader(tr, archiveMaxBlobBytes+1))
			if rerr != nil {
				stats.Errors++
				continue
			}
			if len(nb) > 0 && len(nb) <= archiveMaxBlobBytes {
				nn, tt, st := peekAny(nb, hdr.Name, depth+1)
				names = append(names, limitStrings(nn, maxInt(0, archiveMaxFiles-len(names)))...)
				texts = append(texts, tt...)
				stats.add(st)
			} else {
				stats.NestedBlocked++
			}
		}
	}
	return
}

func openTarReader(buf []byte) (io.Reader, error) {
	if gz, err := gzip.NewReader(bytes.NewReader(buf)); err == nil {
		return gz, nil
	}
	return bytes.NewReader(buf), nil
}

// peekAny dispatches on the archive's name hint, falling back to a
// zip-then-tar probe when the extension is ambiguous.
func peekAny(buf []byte, nameHint string, depth int) ([]string, []string, archiveStats) {
	n := strings.ToLower(nameHint)
	switch {
	case strings.HasSuffix(n, ".zip"):
		names, texts, stats := peekZip(buf, depth)
		return names, texts, stats
	case strings.HasSuffix(n, ".tar"), strings.HasSuffix(n, ".tgz"),
		strings.HasSuffix(n, ".tar.gz"), strings.HasSuffix(n, ".tbz2"), strings.HasSuffix(n, ".tar.bz2"):
		names, texts, stats := peekTar(buf, depth)
		return names, texts, stats
	}
	names, texts, stats := peekZip(buf, depth)
	if stats.Errors > 0 {
		names2, texts2, stats2 := peekTar(buf, depth)
		if stats2.Errors < stats.Errors {
			return names2, texts2, stats2
		}
	}
	return names, texts, stats
}

func limitStrings(items []string, k int) []string {
	if k <= 0 {
		return nil
	}
	if len(items) <= k {
		return items
	}
	return items[:k]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// tryB64Archive base64-decodes blob and peeks inside it as a zip or
// tar archive, bounded by archiveMaxBlobBytes.
func tryB64Archive(filename, blob string) (names, texts []string, stats archiveStats) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(data) == 0 || len(data) > archiveMaxBlobBytes {
		stats.Errors++
		return
	}
	return peekAny(data, filename, 0)
}

// archiveNameKeys/archiveBlobKeys are the JSON field-name heuristics
// used to pair a filename with its base64 content.
var archiveNameKeys = map[string]struct{}{"filename": {}, "file_name": {}}
var archiveBlobKeys = map[string]struct{}{"content_base64": {}, "content_b64": {}, "data_base64": {}}

// walkArchiveCandidates finds sibling filename/base64 pairs within
// each JSON object, recursing into nested structures.
func walkArchiveCandidates(v interface{}) []([2]string) {
	var out []([2]string)
	switch t := v.(type) {
	case map[string]interface{}:
		var names, blobs []string
		for k, val := range t {
			s, ok := val.(string)
			if !ok {
				continue
			}
			kl := strings.ToLower(k)
			if _, isName := archiveNameKeys[kl]; isName {
				names = append(names, s)
			}
			if _, isBlob := archiveBlobKeys[kl]; isBlob {
				blobs = append(blobs, s)
			}
		}
		for _, n := range names {
			for _, b := range blobs {
				out = append(out, [2]string{n, b})
			}
		}
		for _, val := range t {
			out = append(out, walkArchiveCandidates(val)...)
		}
	case []interface{}:
		for _, it := range t {
			out = append(out, walkArchiveCandidates(it)...)
		}
	}
	return out
}

// archivePeekPass scans doc for embedded archives, returning derived
// plaintext lines (file listings and text samples) for the detector
// stage and the aggregate stats for metrics.
func archivePeekPass(doc interface{}) (derived []string, total archiveStats) {
	pairs := walkArchiveCandidates(doc)
	for _, p := range pairs {
		fname, blob := p[0], p[1]
		names, texts, stats := tryB64Archive(fname, blob)
		total.add(stats)
		if len(names) > 0 {
			listed := limitStrings(names, 10)
			derived = append(derived, "[archive:"+fname+"] files="+strings.Join(listed, ", "))
		}
		for _, t := range texts {
			if t != "" {
				derived = append(derived, t)
			}
		}
	}
	return
}
