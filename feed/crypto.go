package feed

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"golang.org/x/crypto/scrypt"
)

// certName is the subject and SAN baked into derived TLS identities. Trust is
// pinned to the shared secret, the name only needs to be stable.
const certName = "neuromesh"

// makeTLSCert derives a TLS identity from a shared secret. Every holder of the
// same secret computes the exact same self signed certificate, which doubles
// as the root of trust on both ends of a connection.
func makeTLSCert(secret string) ([]byte, []byte) {
	// Stretch the secret into an ed25519 signing key
	seed, err := scrypt.Key([]byte(secret), []byte(certName), 32768, 8, 1, ed25519.SeedSize)
	if err != nil {
		panic(err) // static derivation parameters, cannot fail
	}
	priv := ed25519.NewKeyFromSeed(seed)

	// Wrap the key into a self signed certificate. Every field is fixed and
	// ed25519 signs without consuming randomness, so the output depends on
	// nothing but the secret.
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: certName},
		DNSNames:     []string{certName},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2120, time.January, 1, 0, 0, 0, 0, time.UTC),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		panic(err)
	}
	blob, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		panic(err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: blob})

	return cert, key
}

// makeTLSConfig assembles the client side TLS configuration for a derived
// identity, trusting the certificate itself and nothing else.
func makeTLSConfig(cert []byte, key []byte) *tls.Config {
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		panic(err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(cert)

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   certName,
		MinVersion:   tls.VersionTLS12,
	}
}
