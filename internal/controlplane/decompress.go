package controlplane

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// decompressDescription decompresses an END frame's description_blob, which
// the worker sends as an XZ/LZMA2 stream (spec §4.3.2 step 1).
func decompressDescription(blob []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("controlplane: opening xz stream: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("controlplane: reading xz stream: %w", err)
	}
	return out, nil
}
