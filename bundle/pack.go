package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Errors returned by the archive helpers. Callers classify with errors.Is.
var (
	ErrPack              = errors.New("pack error")
	ErrMissingArtifact   = errors.New("missing artifact")
	ErrMultipleArtifacts = errors.New("multiple artifacts")
	ErrMalformedArtifact = errors.New("malformed artifact")
)

// File permission constants used for packed entries
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// Entry is a single named file inside a bundle.
type Entry struct {
	Name    string
	Content []byte
	IsDir   bool
}

// PackOptions controls how a bundle is built.
type PackOptions struct {
	// MaxEntrySize rejects any entry larger than this many bytes. Zero means no limit.
	MaxEntrySize int64
	// Compress gzips the tar stream.
	Compress bool
	// ModTime is stamped on every header. Zero uses the current time.
	ModTime time.Time
}

// Pack writes entries, in order, into a single archive. Either the whole
// archive is returned or an error wrapping ErrPack; partial output is
// never exposed.
func Pack(entries []Entry, opts PackOptions) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrPack)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := validateName(e.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPack, err)
		}
		if opts.MaxEntrySize > 0 && int64(len(e.Content)) > opts.MaxEntrySize {
			return nil, fmt.Errorf("%w: entry %s is %d bytes, limit is %d bytes",
				ErrPack, e.Name, len(e.Content), opts.MaxEntrySize)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrPack, e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	var buf bytes.Buffer
	var gzipWriter *gzip.Writer
	var sink io.Writer = &buf
	if opts.Compress {
		gzipWriter = gzip.NewWriter(&buf)
		sink = gzipWriter
	}
	tarWriter := tar.NewWriter(sink)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.Name,
			Mode:    FilePermission,
			Size:    int64(len(e.Content)),
			ModTime: modTime,
		}
		if e.IsDir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = DirPermission
			hdr.Size = 0
		}
		if err := tarWriter.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: failed to write header for %s: %v", ErrPack, e.Name, err)
		}
		if e.IsDir {
			continue
		}
		if _, err := tarWriter.Write(e.Content); err != nil {
			return nil, fmt.Errorf("%w: failed to write %s: %v", ErrPack, e.Name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to finalize tar: %v", ErrPack, err)
	}
	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("%w: failed to finalize gzip: %v", ErrPack, err)
		}
	}

	return buf.Bytes(), nil
}

// FromDir creates an uncompressed tar archive from a directory, used as an
// image build context.
func FromDir(srcDir string) ([]byte, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()

		_, err = io.Copy(tarWriter, data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty entry name")
	}
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	clean := path.Clean(filepath.ToSlash(name))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("unsafe relative path: %s", name)
	}
	return nil
}
