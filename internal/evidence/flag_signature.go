package evidence

import (
	"crypto/ed25519"
	"encoding/json"
	"sort"
)

// FlagSigner binds a loaded signing key to the batch scheduler's Signer
// contract: given a flag's summary and event ids, produce the
// hex-encoded signature over its canonical JSON form.
type FlagSigner struct {
	key ed25519.PrivateKey
}

// NewFlagSigner wraps key for use as a flag signer.
func NewFlagSigner(key ed25519.PrivateKey) *FlagSigner {
	return &FlagSigner{key: key}
}

type canonicalFlag struct {
	Summary  string  `json:"summary"`
	EventIDs []int64 `json:"event_ids"`
}

// Sign produces the signature for one flag. Event ids are sorted before
// signing so insertion order never affects the signature.
func (fs *FlagSigner) Sign(summary string, eventIDs []int64) string {
	ids := append([]int64{}, eventIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	payload, err := json.Marshal(canonicalFlag{Summary: summary, EventIDs: ids})
	if err != nil {
		return ""
	}
	return Sign(fs.key, payload)
}
