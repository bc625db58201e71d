// Package archive packages and unpacks per-host tool data tarballs.
// Creation is done in-process (tar + xz); extraction shells out to the
// system tar for efficiency on large trees.
package archive

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// CreateTarXz writes an xz-compressed tarball of parentDir/name to outPath,
// with all member paths relative to parentDir (so "name/..." unpacks in
// place at the sink).
func CreateTarXz(parentDir, name, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating tar ball %s: %w", outPath, err)
	}
	defer out.Close()

	xzw, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("creating xz stream for %s: %w", outPath, err)
	}
	tw := tar.NewWriter(xzw)

	root := filepath.Join(parentDir, name)
	walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parentDir, path)
		if err != nil {
			return err
		}
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
	if walkErr != nil {
		return fmt.Errorf("archiving %s: %w", root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return fmt.Errorf("finalizing xz stream: %w", err)
	}
	return nil
}

// FileMD5 returns the lower-hex MD5 of a file's contents.
func FileMD5(path string) (string, error) {
	fp, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fp.Close()
	h := md5.New()
	if _, err := io.Copy(h, fp); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractTar unpacks tarPath in place under dir using the external tar
// command, capturing its output to outPath/errPath.
func ExtractTar(tarPath, dir, outPath, errPath string) error {
	tarBin, err := exec.LookPath("tar")
	if err != nil {
		return fmt.Errorf("external tar executable not found: %w", err)
	}
	ofp, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer ofp.Close()
	efp, err := os.Create(errPath)
	if err != nil {
		return err
	}
	defer efp.Close()

	cmd := exec.Command(tarBin, "-xf", tarPath)
	cmd.Dir = dir
	cmd.Stdout = ofp
	cmd.Stderr = efp
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tar extraction of %s failed: %w", tarPath, err)
	}
	return nil
}
