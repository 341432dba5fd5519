// Package did resolves DID documents and dereferences DID URLs to the public
// keys the trust layer verifies with.
package did

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// ErrNotFound is returned when a DID, or a key under the requested
// relationship, does not exist.
var ErrNotFound = errors.New("did not found")

// ErrDocumentMismatch is returned when a resolver answers with the document
// of a different DID than the one requested.
var ErrDocumentMismatch = errors.New("did document id does not match the requested did")

// Relationship names a verification relationship of a DID document.
type Relationship string

const (
	Authentication       Relationship = "authentication"
	AssertionMethod      Relationship = "assertionMethod"
	KeyAgreement         Relationship = "keyAgreement"
	CapabilityInvocation Relationship = "capabilityInvocation"
	CapabilityDelegation Relationship = "capabilityDelegation"
)

// VerificationMethod is one key entry of a DID document.
type VerificationMethod struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Controller         string         `json:"controller,omitempty"`
	PublicKeyJwk       map[string]any `json:"publicKeyJwk,omitempty"`
	PublicKeyBase58    string         `json:"publicKeyBase58,omitempty"`
	PublicKeyMultibase string         `json:"publicKeyMultibase,omitempty"`
}

// Reference is an entry of a verification relationship: either a reference
// to a method by id or an embedded method.
type Reference struct {
	ID       string
	Embedded *VerificationMethod
}

// UnmarshalJSON accepts a string id or an embedded method object.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		return nil
	}
	var vm VerificationMethod
	if err := json.Unmarshal(data, &vm); err != nil {
		return fmt.Errorf("verification relationship entry: %w", err)
	}
	r.ID = vm.ID
	r.Embedded = &vm
	return nil
}

// MarshalJSON writes embedded methods as objects and references as strings.
func (r Reference) MarshalJSON() ([]byte, error) {
	if r.Embedded != nil {
		return json.Marshal(r.Embedded)
	}
	return json.Marshal(r.ID)
}

// Document is a DID document. Only the members needed for key dereferencing
// are modelled.
type Document struct {
	Context              any                  `json:"@context,omitempty"`
	ID                   string               `json:"id"`
	Controller           any                  `json:"controller,omitempty"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication       []Reference          `json:"authentication,omitempty"`
	AssertionMethod      []Reference          `json:"assertionMethod,omitempty"`
	KeyAgreement         []Reference          `json:"keyAgreement,omitempty"`
	CapabilityInvocation []Reference          `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []Reference          `json:"capabilityDelegation,omitempty"`
}

// References returns the entries of one relationship.
func (d *Document) References(rel Relationship) []Reference {
	switch rel {
	case Authentication:
		return d.Authentication
	case AssertionMethod:
		return d.AssertionMethod
	case KeyAgreement:
		return d.KeyAgreement
	case CapabilityInvocation:
		return d.CapabilityInvocation
	case CapabilityDelegation:
		return d.CapabilityDelegation
	default:
		return nil
	}
}

// Dereference finds the verification method addressed by didURL. When
// relationships are given the method must be listed under at least one of
// them. A DID URL without fragment selects the first eligible method.
func (d *Document) Dereference(didURL string, relationships ...Relationship) (*VerificationMethod, error) {
	_, fragment := SplitURL(didURL)

	if len(relationships) == 0 {
		for i := range d.VerificationMethod {
			vm := &d.VerificationMethod[i]
			if fragment == "" || d.sameID(vm.ID, didURL, fragment) {
				return vm, nil
			}
		}
		return nil, fmt.Errorf("%w: no verification method %q", ErrNotFound, didURL)
	}

	for _, rel := range relationships {
		for _, ref := range d.References(rel) {
			if fragment != "" && !d.sameID(ref.ID, didURL, fragment) {
				continue
			}
			if ref.Embedded != nil {
				return ref.Embedded, nil
			}
			if vm := d.method(ref.ID); vm != nil {
				return vm, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no %v key %q", ErrNotFound, relationships, didURL)
}

func (d *Document) method(id string) *VerificationMethod {
	for i := range d.VerificationMethod {
		if d.absolute(d.VerificationMethod[i].ID) == d.absolute(id) {
			return &d.VerificationMethod[i]
		}
	}
	return nil
}

func (d *Document) sameID(id, didURL, fragment string) bool {
	abs := d.absolute(id)
	return abs == didURL || abs == d.ID+"#"+fragment
}

func (d *Document) absolute(id string) string {
	if strings.HasPrefix(id, "#") {
		return d.ID + id
	}
	return id
}

// Key extracts the public key of the method.
func (vm *VerificationMethod) Key() (keys.Key, error) {
	switch {
	case vm.PublicKeyJwk != nil:
		j, err := keys.JwkFromMap(vm.PublicKeyJwk)
		if err != nil {
			return keys.Key{}, fmt.Errorf("verification method %s: %w", vm.ID, err)
		}
		return j.Key()
	case vm.PublicKeyMultibase != "":
		return keys.FromFingerprint(vm.PublicKeyMultibase)
	case vm.PublicKeyBase58 != "":
		raw, err := base58.Decode(vm.PublicKeyBase58)
		if err != nil {
			return keys.Key{}, fmt.Errorf("verification method %s: decode base58: %w", vm.ID, err)
		}
		kt, ok := base58KeyTypes[vm.Type]
		if !ok {
			return keys.Key{}, fmt.Errorf("verification method %s: %w: %s", vm.ID, keys.ErrUnsupportedKeyType, vm.Type)
		}
		return keys.FromRawPublicBytes(kt, raw)
	default:
		return keys.Key{}, fmt.Errorf("verification method %s carries no public key", vm.ID)
	}
}

var base58KeyTypes = map[string]keys.KeyType{
	"Ed25519VerificationKey2018":        keys.KeyTypeEd25519,
	"X25519KeyAgreementKey2019":         keys.KeyTypeX25519,
	"EcdsaSecp256r1VerificationKey2019": keys.KeyTypeP256,
}

// SplitURL separates a DID URL into the DID and its fragment.
func SplitURL(didURL string) (string, string) {
	didPart, fragment, _ := strings.Cut(didURL, "#")
	if i := strings.IndexAny(didPart, "?/"); i > 0 && strings.Count(didPart[:i], ":") >= 2 {
		didPart = didPart[:i]
	}
	return didPart, fragment
}

// Method returns the method name of a DID ("key" for did:key:z6Mk...).
func Method(did string) string {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) < 3 || parts[0] != "did" {
		return ""
	}
	return parts[1]
}
