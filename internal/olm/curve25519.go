package olm

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
)

// Curve25519KeyPair backs megolm backup keys and one-time keys.
type Curve25519KeyPair struct {
	secret x25519.Key
	public x25519.Key
}

func NewCurve25519KeyPair() (*Curve25519KeyPair, error) {
	kp := &Curve25519KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.secret[:]); err != nil {
		return nil, fmt.Errorf("generate curve25519 key: %w", err)
	}
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

func Curve25519KeyPairFromPrivate(private []byte) (*Curve25519KeyPair, error) {
	if len(private) != x25519.Size {
		return nil, fmt.Errorf("curve25519 private key must be %d bytes, got %d", x25519.Size, len(private))
	}
	kp := &Curve25519KeyPair{}
	copy(kp.secret[:], private)
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

func (kp *Curve25519KeyPair) PublicKey() string {
	return EncodeBase64(kp.public[:])
}

func (kp *Curve25519KeyPair) PrivateKey() []byte {
	out := make([]byte, x25519.Size)
	copy(out, kp.secret[:])
	return out
}
