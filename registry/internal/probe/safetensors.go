package probe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxHeaderSize bounds the JSON header of a safetensors file.
const maxHeaderSize = 100 << 20

// tensorInfo is the header entry of one tensor.
type tensorInfo struct {
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
}

// safetensorsHeader maps tensor names to their header entries.
type safetensorsHeader map[string]tensorInfo

// readSafetensorsHeader reads the header of a safetensors file. The file starts
// with a little-endian uint64 header length followed by the JSON header.
func readSafetensorsHeader(path string) (safetensorsHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return parseSafetensorsHeader(f)
}

func parseSafetensorsHeader(r io.Reader) (safetensorsHeader, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %s", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read header: %s", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal header: %s", err)
	}
	h := safetensorsHeader{}
	for name, v := range raw {
		if name == "__metadata__" {
			continue
		}
		var ti tensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, fmt.Errorf("unmarshal tensor %q: %s", name, err)
		}
		h[name] = ti
	}
	return h, nil
}

// dim returns dimension i of the named tensor, or 0 if it is absent.
func (h safetensorsHeader) dim(name string, i int) int64 {
	t, ok := h[name]
	if !ok || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// hasPrefix reports whether any tensor name starts with one of the prefixes.
func (h safetensorsHeader) hasPrefix(prefixes ...string) bool {
	for name := range h {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
	}
	return false
}
