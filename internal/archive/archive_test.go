package archive

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

// layOutHostDir builds parent/<host>/ with a couple of tool output files.
func layOutHostDir(t *testing.T, parent, host string) map[string]string {
	t.Helper()
	files := map[string]string{
		filepath.Join(host, "sar", "sar.data"):    "cpu 12 34\n",
		filepath.Join(host, "mpstat", "out.data"): "irq 9\n",
	}
	for rel, content := range files {
		path := filepath.Join(parent, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return files
}

func TestCreateTarXz(t *testing.T) {
	parent := t.TempDir()
	want := layOutHostDir(t, parent, "host1")
	out := filepath.Join(parent, "host1.tar.xz")

	if err := CreateTarXz(parent, "host1", out); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	fp, err := os.Open(out)
	if err != nil {
		t.Fatalf("open tar ball: %v", err)
	}
	defer fp.Close()
	xzr, err := xz.NewReader(fp)
	if err != nil {
		t.Fatalf("not an xz stream: %v", err)
	}
	tr := tar.NewReader(xzr)
	got := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar stream: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading member %s: %v", hdr.Name, err)
		}
		got[hdr.Name] = string(content)
	}
	for rel, content := range want {
		if got[rel] != content {
			t.Errorf("member %s: got %q, want %q", rel, got[rel], content)
		}
	}
}

func TestCreateTarXzMissingSource(t *testing.T) {
	parent := t.TempDir()
	if err := CreateTarXz(parent, "absent", filepath.Join(parent, "x.tar.xz")); err == nil {
		t.Fatalf("expected error for missing source directory")
	}
}

func TestFileMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	content := []byte("some tool output\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum := md5.Sum(content)
	want := hex.EncodeToString(sum[:])
	got, err := FileMD5(path)
	if err != nil {
		t.Fatalf("md5 failed: %v", err)
	}
	if got != want {
		t.Fatalf("md5 mismatch: got %s, want %s", got, want)
	}
}

func TestExtractTar(t *testing.T) {
	// Build a plain tarball in-process, then have the external tar unpack it.
	src := t.TempDir()
	layOutHostDir(t, src, "host1")
	tarPath := filepath.Join(t.TempDir(), "host1.tar")
	writePlainTar(t, src, "host1", tarPath)

	dest := t.TempDir()
	if err := ExtractTar(tarPath, dest,
		filepath.Join(dest, "host1.tar.out"), filepath.Join(dest, "host1.tar.err")); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dest, "host1", "sar", "sar.data"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(raw) != "cpu 12 34\n" {
		t.Fatalf("extracted content mismatch: %q", raw)
	}
}

func writePlainTar(t *testing.T, parent, name, outPath string) {
	t.Helper()
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer out.Close()
	tw := tar.NewWriter(out)
	defer tw.Close()
	root := filepath.Join(parent, name)
	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(parent, path)
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		fp, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fp.Close()
		_, err = io.Copy(tw, fp)
		return err
	})
	if err != nil {
		t.Fatalf("building tar: %v", err)
	}
}
