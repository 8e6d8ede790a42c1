package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
)

// Extract returns the content of the single regular file named name (matched
// on its base name) inside the archive read from r. Reads stop as soon as
// ctx is done; if r is also an io.Closer it is closed at that point so a
// blocked transfer is released.
func Extract(ctx context.Context, r io.Reader, name string, limit int64) ([]byte, error) {
	var found []byte
	count := 0

	err := walk(ctx, r, func(hdr *tar.Header, tr *tar.Reader) error {
		if hdr.Typeflag != tar.TypeReg || path.Base(path.Clean(hdr.Name)) != name {
			return nil
		}
		count++
		if count > 1 {
			return fmt.Errorf("%w: %s appears more than once", ErrMultipleArtifacts, name)
		}
		content, err := readLimited(tr, limit)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		found = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s not found in archive", ErrMissingArtifact, name)
	}

	return found, nil
}

// ExtractJSON extracts the named artifact and decodes it into v.
func ExtractJSON(ctx context.Context, r io.Reader, name string, limit int64, v any) error {
	content, err := Extract(ctx, r, name, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrMalformedArtifact, name, err)
	}
	return nil
}

// Read returns every entry of the archive. Entry names are validated against
// directory traversal and absolute paths. Regular files larger than limit
// bytes are rejected; zero means no limit.
func Read(ctx context.Context, r io.Reader, limit int64) ([]Entry, error) {
	var entries []Entry

	err := walk(ctx, r, func(hdr *tar.Header, tr *tar.Reader) error {
		if err := validateName(hdr.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, Entry{Name: path.Clean(hdr.Name), IsDir: true})
		case tar.TypeReg:
			content, err := readLimited(tr, limit)
			if err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
			entries = append(entries, Entry{Name: path.Clean(hdr.Name), Content: content})
		default:
			return fmt.Errorf("%w: unsupported file type in tar: %c", ErrMalformedArtifact, hdr.Typeflag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// walk iterates over the tar headers of r, decompressing gzip input when the
// stream starts with the gzip magic bytes.
func walk(ctx context.Context, r io.Reader, visit func(*tar.Header, *tar.Reader) error) error {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	br := bufio.NewReader(&ctxReader{ctx: ctx, r: r})
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gzipReader, err := gzip.NewReader(br)
		if err != nil {
			return malformed(ctx, fmt.Errorf("failed to create gzip reader: %w", err))
		}
		defer gzipReader.Close()
		src = gzipReader
	}

	tarReader := tar.NewReader(src)
	for {
		hdr, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return malformed(ctx, fmt.Errorf("error reading tar: %w", err))
		}
		if err := visit(hdr, tarReader); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
		}
		return content, nil
	}
	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("%w: size exceeds limit of %d bytes", ErrMalformedArtifact, limit)
	}
	return content, nil
}

// malformed reports ctx's error when the read failed because the context
// ended, otherwise wraps err as a malformed archive.
func malformed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated archive: %v", ErrMalformedArtifact, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
