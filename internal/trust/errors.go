package trust

import "errors"

// Failures detected by the dispatcher wrap one of these. Errors raised by the
// signature engine itself (a malformed token, say) are passed through as is.
// A signature that simply does not verify is not an error: Verify returns false.
var (
	// ErrConfiguration means the caller supplied an incomplete or invalid descriptor.
	ErrConfiguration = errors.New("trust configuration error")
	// ErrUnsupportedMethod means the descriptor variant is not handled by this version.
	ErrUnsupportedMethod = errors.New("unsupported trust method")
	// ErrKeyResolution means the referenced DID or relationship key could not be found.
	ErrKeyResolution = errors.New("key resolution failed")
	// ErrTrustMetadata means federation metadata is missing the required keys.
	ErrTrustMetadata = errors.New("trust metadata error")
	// ErrValidation means a certificate does not authorize the declared issuer.
	ErrValidation = errors.New("issuer validation failed")
	// ErrAlgorithmResolution means the key type has no usable signature algorithm.
	ErrAlgorithmResolution = errors.New("no supported signature algorithm")
	// ErrEntityStatement wraps any failure while building the entity configuration.
	ErrEntityStatement = errors.New("entity statement error")
)
