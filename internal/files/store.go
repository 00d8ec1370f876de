// Package files reads files to send and stores reconstructed ones.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrylevesque/qrdrop/internal/utils"
)

// DefaultFileName is used when a received name is empty or unusable.
const DefaultFileName = "downloaded_file"

// ReadFile returns the contents and base name of the file at path.
func ReadFile(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", utils.Wrap(utils.CodeIO, "failed to read input file", err)
	}
	return data, filepath.Base(path), nil
}

// SanitizeName strips any directory parts from a name received over the air.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "/" || name == "." || name == ".." {
		return DefaultFileName
	}
	return name
}

// DirSaver writes reconstructed files into Dir without overwriting: a clash
// gets a " (n)" suffix before the extension.
type DirSaver struct {
	Dir string
}

func (s DirSaver) SaveFile(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", utils.Wrap(utils.CodeIO, "failed to create output directory", err)
	}
	name = SanitizeName(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	tmp, err := os.CreateTemp(s.Dir, ".qrdrop-*.tmp")
	if err != nil {
		return "", utils.Wrap(utils.CodeIO, "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", utils.Wrap(utils.CodeIO, "failed to write file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", utils.Wrap(utils.CodeIO, "failed to write file", err)
	}

	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(s.Dir, candidate)
		// Link fails when path exists, unlike Rename.
		if err := os.Link(tmpName, path); err != nil {
			if os.IsExist(err) {
				continue
			}
			os.Remove(tmpName)
			return "", utils.Wrap(utils.CodeIO, "failed to store file", err)
		}
		os.Remove(tmpName)
		return path, nil
	}
	os.Remove(tmpName)
	return "", utils.New(utils.CodeIO, "too many files named "+name)
}
