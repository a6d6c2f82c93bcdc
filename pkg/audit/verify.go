package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Verify replays the chain in the audit file and returns the number of
// verified lines. The first divergence (wrong prev_hash linkage or a
// hash that does not match the recomputed canonical form) fails with the
// offending line number.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	prev := genesisHash
	verified := 0
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		// Decode with number fidelity so re-marshaling reproduces the
		// writer's canonical bytes exactly.
		dec := json.NewDecoder(bytes.NewReader([]byte(text)))
		dec.UseNumber()
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			return verified, fmt.Errorf("line %d: malformed JSON: %w", lineNo, err)
		}

		prevHash, _ := line["prev_hash"].(string)
		hash, _ := line["hash"].(string)
		if prevHash != prev {
			return verified, fmt.Errorf("line %d: chain broken: prev_hash %q, expected %q", lineNo, prevHash, prev)
		}

		delete(line, "prev_hash")
		delete(line, "hash")
		canonical, err := json.Marshal(line)
		if err != nil {
			return verified, fmt.Errorf("line %d: canonicalizing: %w", lineNo, err)
		}
		if recomputed := chainHash(prevHash, canonical); recomputed != hash {
			return verified, fmt.Errorf("line %d: hash mismatch: stored %q, recomputed %q", lineNo, hash, recomputed)
		}

		prev = hash
		verified++
	}
	if err := scanner.Err(); err != nil {
		return verified, fmt.Errorf("reading audit log: %w", err)
	}
	return verified, nil
}
