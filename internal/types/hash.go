package types

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// BlockHash is a 32 byte block hash. It renders as a 0x-prefixed hex
// string in JSON, matching what nodes put on the wire.
type BlockHash [32]byte

// ZeroHash is the hash of the zero block.
var ZeroHash = BlockHash{}

// ParseBlockHash parses a 0x-prefixed hex string into a BlockHash.
func ParseBlockHash(s string) (BlockHash, error) {
	var h BlockHash

	trimmed := strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return h, errors.Wrap(err, "decode block hash")
	}
	if len(raw) != len(h) {
		return h, errors.Errorf("block hash must be %d bytes, got %d", len(h), len(raw))
	}

	copy(h[:], raw)
	return h, nil
}

func (h BlockHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalJSON satisfies json.Marshaler.
func (h BlockHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (h *BlockHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseBlockHash(s)
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}
