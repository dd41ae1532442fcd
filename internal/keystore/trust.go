package keystore

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v2"
)

// TrustSet is an immutable kid -> public key map. It satisfies Trust, so
// a desktop client can verify against embedded anchors without a Store.
type TrustSet struct {
	keys map[string]PublicKey
}

// NewTrustSet copies keys into a TrustSet.
func NewTrustSet(keys map[string]PublicKey) TrustSet {
	cp := make(map[string]PublicKey, len(keys))
	for kid, pk := range keys {
		cp[kid] = pk
	}
	return TrustSet{keys: cp}
}

// TrustedPublicKeys returns t itself.
func (t TrustSet) TrustedPublicKeys() TrustSet { return t }

// Lookup resolves a kid.
func (t TrustSet) Lookup(kid string) (PublicKey, bool) {
	pk, ok := t.keys[kid]
	return pk, ok
}

// Len returns the number of trusted keys.
func (t TrustSet) Len() int { return len(t.keys) }

// Kids returns the trusted identifiers in sorted order.
func (t TrustSet) Kids() []string {
	kids := make([]string, 0, len(t.keys))
	for kid := range t.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	return kids
}

// Anchor is one entry of the trust file shipped with the client.
type Anchor struct {
	Kid       string `yaml:"kid" json:"kid"`
	PublicKey string `yaml:"public_key" json:"public_key"`
}

type anchorFile struct {
	Keys []Anchor `yaml:"keys"`
}

// Anchors lists the set in kid order.
func (t TrustSet) Anchors() []Anchor {
	out := make([]Anchor, 0, len(t.keys))
	for _, kid := range t.Kids() {
		out = append(out, Anchor{Kid: kid, PublicKey: t.keys[kid].String()})
	}
	return out
}

// MarshalAnchors renders the trust file.
func (t TrustSet) MarshalAnchors() ([]byte, error) {
	return yaml.Marshal(anchorFile{Keys: t.Anchors()})
}

// ParseTrustAnchors reads a trust file produced by MarshalAnchors.
func ParseTrustAnchors(data []byte) (TrustSet, error) {
	var f anchorFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return TrustSet{}, fmt.Errorf("parse trust anchors: %w", err)
	}

	keys := make(map[string]PublicKey, len(f.Keys))
	for _, a := range f.Keys {
		if err := ValidateKid(a.Kid); err != nil {
			return TrustSet{}, err
		}
		if _, dup := keys[a.Kid]; dup {
			return TrustSet{}, fmt.Errorf("parse trust anchors: duplicate kid %s", a.Kid)
		}
		pk, err := ParsePublicKey([]byte(a.PublicKey))
		if err != nil {
			return TrustSet{}, fmt.Errorf("anchor %s: %w", a.Kid, err)
		}
		keys[a.Kid] = pk
	}
	return TrustSet{keys: keys}, nil
}
