package signature

import (
	"bufio"
	"bytes"
	"os"
	"strings"
)

// ParseRevocationList reads one hex thumbprint per line. Blank lines and
// lines starting with '#' are ignored.
func ParseRevocationList(b []byte) map[string]struct{} {
	out := map[string]struct{}{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[normalizeThumbprint(line)] = struct{}{}
	}
	return out
}

// LoadRevocationFile reads a revocation list from disk.
func LoadRevocationFile(path string) (map[string]struct{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRevocationList(b), nil
}

// normalizeThumbprint lowercases and drops ':' separators.
func normalizeThumbprint(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
}
