package keyring

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bt-locate.klederson.com/internal/rpa"
)

// DefaultBlueZRoot is where BlueZ keeps pairing data.
const DefaultBlueZRoot = "/var/lib/bluetooth"

// PairedIRKs reads <root>/<adapter>/<device>/info files and returns the
// devices that have an [IdentityResolvingKey]. A missing root yields no
// entries. Nothing is stored.
func PairedIRKs(root string) ([]Entry, error) {
	infos, err := filepath.Glob(filepath.Join(root, "*", "*", "info"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if len(infos) == 0 {
		if _, err := os.Stat(root); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", root, err)
		}
	}
	sort.Strings(infos)

	out := []Entry{}
	for _, path := range infos {
		addr := filepath.Base(filepath.Dir(path))
		if !looksLikeAddress(addr) {
			continue
		}
		name, key, err := readInfo(path)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		if _, err := rpa.ParseIRK(key); err != nil {
			continue
		}
		label := name
		if label == "" {
			label = addr
		}
		out = append(out, Entry{
			Label:   label,
			Address: rpa.Normalize(addr),
			IRKHex:  strings.ToLower(key),
			Source:  SourceBlueZ,
		})
	}
	return out, nil
}

// readInfo pulls General.Name and IdentityResolvingKey.Key from a BlueZ
// device info file.
func readInfo(path string) (name, key string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	section := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch {
		case section == "General" && k == "Name":
			name = v
		case section == "IdentityResolvingKey" && k == "Key":
			key = v
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	return name, key, nil
}

func looksLikeAddress(s string) bool {
	return len(s) == 17 && strings.Count(s, ":") == 5
}
