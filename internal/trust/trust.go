// Package trust validates replacement modules before the orchestrator
// loads them. Signed-distribution builds require a detached ed25519
// signature over the manifest file; unsigned development builds accept
// everything. Policy beyond accept or reject lives outside this core.
package trust

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/vk/keystone/internal/config"
)

// Outcome records how a module passed (or failed) validation.
type Outcome string

const (
	// OutcomeUnchecked marks modules accepted without a signature check
	// (bundled sources and dev builds).
	OutcomeUnchecked Outcome = "unchecked"
	// OutcomeHost marks modules signed with the host publisher identity.
	OutcomeHost Outcome = "host"
	// OutcomeThirdParty marks modules signed by an explicitly allowed
	// third-party publisher key.
	OutcomeThirdParty Outcome = "third-party"
)

// SigExt is the extension of the detached signature stored beside a
// manifest.
const SigExt = ".sig"

// Validator decides whether a module file may load. A rejection aborts
// only that one load; the previous version keeps running.
type Validator interface {
	Validate(manifestPath string, level config.TrustLevel) (Outcome, error)
}

// Open accepts every module. It is the validator for unsigned development
// builds, where hot reload of locally edited modules is the whole point.
type Open struct{}

// Validate always accepts.
func (Open) Validate(string, config.TrustLevel) (Outcome, error) {
	return OutcomeUnchecked, nil
}

// Signed verifies a detached signature over the manifest bytes. Bundled
// sources skip the check: they shipped inside the application bundle and
// were covered by its code signature.
type Signed struct {
	// Host is the application publisher's verification key.
	Host ed25519.PublicKey
	// ThirdParty lists additional publisher keys the host explicitly
	// allows for community sources.
	ThirdParty []ed25519.PublicKey
}

// Validate checks manifestPath against the signature at manifestPath+SigExt.
func (v *Signed) Validate(manifestPath string, level config.TrustLevel) (Outcome, error) {
	if level == config.TrustBundled {
		return OutcomeUnchecked, nil
	}

	payload, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("read module for validation: %w", err)
	}
	sig, err := os.ReadFile(manifestPath + SigExt)
	if err != nil {
		return "", fmt.Errorf("module %s has no signature: %w", manifestPath, err)
	}

	if len(v.Host) == ed25519.PublicKeySize && ed25519.Verify(v.Host, payload, sig) {
		return OutcomeHost, nil
	}
	if level == config.TrustCommunity {
		for _, key := range v.ThirdParty {
			if len(key) == ed25519.PublicKeySize && ed25519.Verify(key, payload, sig) {
				return OutcomeThirdParty, nil
			}
		}
	}
	return "", fmt.Errorf("module %s: signature does not match any allowed publisher", manifestPath)
}
