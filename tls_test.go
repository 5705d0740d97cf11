package pipesock

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedTLS returns a server config with a fresh loopback certificate and
// a client config trusting it.
func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pipesock test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(cert)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{RootCAs: roots, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

func TestTLS_RoundTrip(t *testing.T) {
	serverCfg, clientCfg := selfSignedTLS(t)
	s, port := newTestServer(t, StreamWrapperOption(ServerTLS(serverCfg)))
	c, _ := newTestClient(t, StreamWrapperOption(ClientTLS(clientCfg)))
	connectClient(t, c, port)

	require.True(t, c.Send([]byte("secret")))

	connected := waitEvent(t, s.Poll)
	require.Equal(t, Connected, connected.Type)
	assert.Equal(t, Event{ConnID: connected.ConnID, Type: Data, Payload: []byte("secret")}, waitEvent(t, s.Poll))

	require.True(t, s.Send(connected.ConnID, []byte("reply")))
	assert.Equal(t, "reply", string(waitEvent(t, c.Poll).Payload))
}

func TestTLS_HandshakeFailure(t *testing.T) {
	serverCfg, _ := selfSignedTLS(t)
	s, port := newTestServer(t, StreamWrapperOption(ServerTLS(serverCfg)))

	// the client does not trust the server certificate
	c, logger := newTestClient(t, StreamWrapperOption(ClientTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	require.NoError(t, c.Connect("127.0.0.1", port))

	assert.Equal(t, Event{ConnID: 0, Type: Disconnected}, waitEvent(t, c.Poll))
	assert.True(t, logger.has("info", "stream negotiation failed"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.ReceiveCount(), "a failed handshake is never announced")
}
