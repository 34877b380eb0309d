// Package staging implements firmware upload staging: an
// uploaded blob is streamed to a uniquely named file under a directory
// that's bind-mounted into every toolchain container at the same path, so
// the rendered {firmware_path} placeholder resolves identically inside and
// outside the container. Files are removed after one flash dispatch
// completes, successfully or not.
package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/probehub/probehub/internal/proberr"
)

// TUploadIdle is the idle-stall abort budget for a streamed upload.
const TUploadIdle = 30 * time.Second

// DefaultDir is the default staging directory, bind-mounted identically
// into every toolchain container.
const DefaultDir = "/tmp/flash_staging"

var defaultExtensions = map[string]bool{
	".hex": true, ".bin": true, ".elf": true, ".uf2": true,
}

// Area manages one staging directory.
type Area struct {
	Dir        string
	MaxBytes   int64
	Extensions map[string]bool
}

// New returns an Area rooted at dir (DefaultDir if empty) with the default
// allowed extensions and no size cap.
func New(dir string) *Area {
	if dir == "" {
		dir = DefaultDir
	}
	return &Area{Dir: dir, Extensions: defaultExtensions}
}

// Blob is one staged firmware file, named uniquely per dispatch so
// concurrent flashes on different probes never collide.
type Blob struct {
	Path string
}

// Stage copies src into the staging directory under a uuid-derived name,
// enforcing the extension allowlist and, if set, MaxBytes. It aborts if no
// byte arrives within TUploadIdle of the previous one, so a stalled client
// can't hold a staged file open indefinitely.
func (a *Area) Stage(ctx context.Context, filename string, src io.Reader) (*Blob, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	allowed := a.Extensions
	if allowed == nil {
		allowed = defaultExtensions
	}
	if !allowed[ext] {
		return nil, proberr.New(proberr.InvalidRequest, fmt.Sprintf("firmware extension %q is not allowed", ext))
	}

	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return nil, proberr.Wrap(proberr.Internal, "create staging dir", err)
	}

	path := filepath.Join(a.Dir, uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, proberr.Wrap(proberr.Internal, "create staged file", err)
	}

	written, err := copyWithIdleTimeout(ctx, f, src, a.MaxBytes)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return nil, proberr.Wrap(proberr.Internal, "close staged file", closeErr)
	}
	_ = written
	return &Blob{Path: path}, nil
}

// Remove deletes a staged blob, tolerating an already-gone file so cleanup
// after both success and failure paths can call it unconditionally.
func (a *Area) Remove(b *Blob) error {
	if b == nil {
		return nil
	}
	if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
		return proberr.Wrap(proberr.Internal, "remove staged file", err)
	}
	return nil
}

// copyWithIdleTimeout copies src to dst, failing if no chunk arrives within
// TUploadIdle of the previous one, and optionally capping total size.
func copyWithIdleTimeout(ctx context.Context, dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	type result struct {
		n   int
		err error
	}
	for {
		ch := make(chan result, 1)
		go func() {
			n, err := src.Read(buf)
			ch <- result{n, err}
		}()

		select {
		case <-ctx.Done():
			return total, proberr.Wrap(proberr.Internal, "upload canceled", ctx.Err())
		case <-time.After(TUploadIdle):
			return total, proberr.New(proberr.Internal, "upload stalled past idle timeout")
		case r := <-ch:
			if r.n > 0 {
				if maxBytes > 0 && total+int64(r.n) > maxBytes {
					return total, proberr.New(proberr.InvalidRequest, "firmware exceeds maximum upload size")
				}
				if _, werr := dst.Write(buf[:r.n]); werr != nil {
					return total, proberr.Wrap(proberr.Internal, "write staged file", werr)
				}
				total += int64(r.n)
			}
			if r.err == io.EOF {
				return total, nil
			}
			if r.err != nil {
				return total, proberr.Wrap(proberr.Internal, "read upload", r.err)
			}
		}
	}
}
