package vocab

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/text/unicode/norm"
)

const (
	Stage1Prefix = "stage1_"
	Stage2Prefix = "stage2_"
)

// DeriveItemKey returns the hex SHA-256 of the item's semantic fields.
// Each field is NFC-normalized and length-prefixed; optional fields carry a
// presence byte so an absent field never collides with an empty one.
func DeriveItemKey(item *Item) string {
	h := sha256.New()
	writeField(h, item.Term)
	writeField(h, item.Meaning)
	writeField(h, item.Category)
	writeOptional(h, item.Hanja)
	writeOptional(h, item.Example)
	return hex.EncodeToString(h.Sum(nil))
}

func DeriveStage1Key(item *Item) string {
	return Stage1Prefix + DeriveItemKey(item)
}

// DeriveStage2Key chains the Stage-1 key with the item key.
func DeriveStage2Key(item *Item, stage1Key string) string {
	h := sha256.New()
	h.Write([]byte(stage1Key))
	h.Write([]byte(DeriveItemKey(item)))
	return Stage2Prefix + hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	b := norm.NFC.Bytes([]byte(s))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func writeOptional(h hash.Hash, s *string) {
	if s == nil {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1})
	writeField(h, *s)
}
