package ap

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// decodePEM splits a remote actor's publicKeyPem field into its decoded
// block and any trailing bytes, ahead of parsePublicKey.
func decodePEM(data []byte) (*pem.Block, []byte) {
	return pem.Decode(data)
}

// parsePublicKey extracts the RSA public key a resolved remote actor
// published, so inbound deliveries can be signature-verified against it.
func parsePublicKey(b []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
