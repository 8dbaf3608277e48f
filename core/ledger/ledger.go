// Package ledger registers settled reuses on the external append-only ledger.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, network errors.
	ErrTransient = errors.New("ledger transient failure")
	// ErrRejected marks a definitive refusal. Retrying the same payload will not help.
	ErrRejected = errors.New("ledger rejected entry")
)

// tokenNamespace scopes idempotency tokens derived from record ids.
var tokenNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://soundslice.local/ledger/reuse"))

// Payload is the reuse entry as the ledger stores it.
type Payload struct {
	ReuseID               string `json:"reuseId" cbor:"1,keyasint"`
	OriginalID            string `json:"originalId" cbor:"2,keyasint"`
	Title                 string `json:"title" cbor:"3,keyasint"`
	Creator               string `json:"creator" cbor:"4,keyasint"`
	Reuser                string `json:"reuser" cbor:"5,keyasint"`
	ReusePercent          int    `json:"reusePercent" cbor:"6,keyasint"`
	ValuePaid             int64  `json:"valuePaid" cbor:"7,keyasint"`
	OriginalFileHash      string `json:"originalFileHash" cbor:"8,keyasint"`
	SnippetHash           string `json:"snippetHash" cbor:"9,keyasint"`
	Format                string `json:"format" cbor:"10,keyasint"`
	Genre                 string `json:"genre" cbor:"11,keyasint"`
	SnippetDurationMillis int64  `json:"snippetDurationMs" cbor:"12,keyasint"`
}

// Receipt identifies the ledger entry created for a payload.
type Receipt struct {
	EntryID  string `json:"entryId"`
	TxHandle string `json:"txHash"`
}

// Gateway registers entries. Register with a token already seen must return
// the original receipt instead of creating a second entry.
type Gateway interface {
	Register(ctx context.Context, token string, payload Payload) (Receipt, error)
}

// Token derives the ledger idempotency token for a settlement record.
func Token(recordID string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(recordID)).String()
}

// Bytes32ID hashes an identifier into a 0x-prefixed Keccak-256 word.
func Bytes32ID(id string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(id))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonical encodes the payload with CBOR core deterministic encoding.
func (p Payload) Canonical() ([]byte, error) {
	return encMode.Marshal(p)
}

// Digest is the Keccak-256 of the canonical encoding. Equal payloads give equal digests.
func (p Payload) Digest() (string, error) {
	raw, err := p.Canonical()
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected)
}
