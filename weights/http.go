package weights

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var gzipMagic = []byte{0x1f, 0x8b}

// HTTP downloads a tar (optionally gzip compressed) archive and extracts it
// in process, streaming the body straight into the extractor.
type HTTP struct {
	Client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{Client: client}
}

func (h *HTTP) FetchAndExtract(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to download %s: unexpected status %s", url, resp.Status)
	}
	return Extract(resp.Body, dest)
}

// Extract unpacks a tar or tar.gz stream into dest. Every write goes through
// an os.Root opened on dest, so an entry that would land outside dest, either
// by its name or by following links extracted earlier, fails the extraction.
func Extract(r io.Reader, dest string) error {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		name, err := entryName(hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !local(filepath.Join(filepath.Dir(name), hdr.Linkname)) {
				return fmt.Errorf("archive entry %s links outside destination", hdr.Name)
			}
			if err := mkdirParent(root, name); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return fmt.Errorf("archive entry %s: %w", hdr.Name, err)
			}
		default:
			// pax headers are consumed by the reader; anything else is skipped
		}
	}
}

func writeFile(root *os.Root, name string, r io.Reader, perm os.FileMode) error {
	if err := mkdirParent(root, name); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	// a symlink already sitting at name is replaced, never written through
	if fi, err := root.Lstat(name); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := root.Remove(name); err != nil {
			return err
		}
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

func mkdirParent(root *os.Root, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return root.MkdirAll(dir, 0o755)
}

// entryName cleans an archive path into a name relative to the root.
func entryName(name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %s has an absolute path", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if !local(clean) {
		return "", fmt.Errorf("archive entry %s escapes destination", name)
	}
	return clean, nil
}

func local(name string) bool {
	return filepath.IsLocal(name) || name == "."
}
