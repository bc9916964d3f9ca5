package pgproto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/cdc/internal/config"
	"github.com/dbbouncer/cdc/internal/wire"
)

func newTestConn(t *testing.T, side net.Conn, user, password string) *Conn {
	t.Helper()
	return &Conn{
		cfg:   &config.PGConfig{User: user, Password: password},
		rw:    newConnRW(side),
		seq:   &wire.SeqTracker{},
		state: StateStartup,
	}
}

func writeAuthMessage(t *testing.T, conn net.Conn, authType uint32, rest []byte) {
	t.Helper()
	body := binary.BigEndian.AppendUint32(nil, authType)
	body = append(body, rest...)
	if err := wire.WritePGFrame(conn, 'R', body); err != nil {
		t.Fatalf("writing auth message: %v", err)
	}
}

func readPasswordMessage(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	frame, err := wire.ReadPGFrame(conn)
	if err != nil {
		t.Fatalf("reading password message: %v", err)
	}
	if frame.Tag != 'p' {
		t.Fatalf("expected password message 'p', got %q", frame.Tag)
	}
	return frame.Body
}

func TestRunAuthCleartext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestConn(t, client, "alice", "s3cret")

	done := make(chan error, 1)
	go func() {
		writeAuthMessage(t, server, authCleartextPassword, nil)
		body := readPasswordMessage(t, server)
		if string(body) != "s3cret\x00" {
			done <- fmt.Errorf("unexpected password payload %q", body)
			return
		}
		writeAuthMessage(t, server, authOK, nil)
		done <- nil
	}()

	if err := c.runAuth(); err != nil {
		t.Fatalf("runAuth: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunAuthMD5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestConn(t, client, "bob", "hunter2")
	salt := []byte{1, 2, 3, 4}

	done := make(chan error, 1)
	go func() {
		writeAuthMessage(t, server, authMD5Password, salt)
		body := readPasswordMessage(t, server)
		want := md5Password("bob", "hunter2", salt)
		if string(body) != want+"\x00" {
			done <- fmt.Errorf("md5 response mismatch: got %q want %q", body, want)
			return
		}
		writeAuthMessage(t, server, authOK, nil)
		done <- nil
	}()

	if err := c.runAuth(); err != nil {
		t.Fatalf("runAuth: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// scramTestBackend drives a full RFC 5802 SCRAM-SHA-256 exchange as the
// server side, returning whether the client's proof matched.
func scramTestBackend(t *testing.T, conn net.Conn, password string) (proofOK bool) {
	t.Helper()

	mechPayload := append([]byte("SCRAM-SHA-256"), 0, 0)
	writeAuthMessage(t, conn, authSASL, mechPayload)

	initial := readPasswordMessage(t, conn)
	mechName, n, err := wire.ReadCString(initial)
	if err != nil || mechName != "SCRAM-SHA-256" {
		t.Fatalf("reading SASL mechanism: %v (name=%q)", err, mechName)
	}
	rest := initial[n:]
	cfmLen := binary.BigEndian.Uint32(rest[:4])
	clientFirst := string(rest[4 : 4+int(cfmLen)])
	clientFirstBare := clientFirst[3:] // strip "n,,"

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	salt := []byte("0123456789abcdef")
	iterations := 4096
	serverNonce := clientNonce + "server-extension"
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)
	writeAuthMessage(t, conn, authSASLContinue, []byte(serverFirst))

	final := readPasswordMessage(t, conn)
	finalStr := string(final)

	gs2Header := "n,,"
	bindingClause := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	replyWithoutProof := fmt.Sprintf("%s,r=%s", bindingClause, serverNonce)
	transcript := clientFirstBare + "," + serverFirst + "," + replyWithoutProof

	derivedKey := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(derivedKey, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(derivedKey, []byte("Server Key"))
	expectedSig := hmacSHA256(storedKey, []byte(transcript))
	expectedProof := xorBytes(clientKey, expectedSig)
	wantProof := "p=" + base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.HasSuffix(finalStr, wantProof) {
		writeAuthMessage(t, conn, 0, nil) // never reached in success path
		return false
	}

	serverSig := hmacSHA256(serverKey, []byte(transcript))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)
	writeAuthMessage(t, conn, authSASLFinal, []byte(serverFinal))
	writeAuthMessage(t, conn, authOK, nil)
	return true
}

func TestRunAuthSCRAMSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestConn(t, client, "carol", "grapefruit")

	done := make(chan bool, 1)
	go func() { done <- scramTestBackend(t, server, "grapefruit") }()

	if err := c.runAuth(); err != nil {
		t.Fatalf("runAuth: %v", err)
	}
	if ok := <-done; !ok {
		t.Fatal("backend reported a proof mismatch on the correct password")
	}
}

func TestRunAuthSCRAMWrongPasswordEndsInErrorResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestConn(t, client, "carol", "wrongpassword")

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		// Drive the same exchange as scramTestBackend but verifying
		// against the real password, so the client's proof (built from
		// "wrongpassword") won't match and the server sends an
		// ErrorResponse instead of SASLFinal, as real PostgreSQL does.
		mechPayload := append([]byte("SCRAM-SHA-256"), 0, 0)
		writeAuthMessage(t, server, authSASL, mechPayload)
		initial := readPasswordMessage(t, server)
		_, n, _ := wire.ReadCString(initial)
		rest := initial[n:]
		cfmLen := binary.BigEndian.Uint32(rest[:4])
		clientFirst := string(rest[4 : 4+int(cfmLen)])
		clientFirstBare := clientFirst[3:]
		var clientNonce string
		for _, part := range strings.Split(clientFirstBare, ",") {
			if strings.HasPrefix(part, "r=") {
				clientNonce = part[2:]
			}
		}
		salt := []byte("0123456789abcdef")
		serverNonce := clientNonce + "server-extension"
		serverFirst := fmt.Sprintf("r=%s,s=%s,i=4096", serverNonce, base64.StdEncoding.EncodeToString(salt))
		writeAuthMessage(t, server, authSASLContinue, []byte(serverFirst))
		_ = readPasswordMessage(t, server)

		var errBody []byte
		errBody = append(errBody, 'S')
		errBody = append(errBody, "FATAL"...)
		errBody = append(errBody, 0)
		errBody = append(errBody, 'M')
		errBody = append(errBody, "password authentication failed"...)
		errBody = append(errBody, 0, 0)
		if err := wire.WritePGFrame(server, 'E', errBody); err != nil {
			t.Errorf("writing ErrorResponse: %v", err)
		}
	}()

	if err := c.runAuth(); err == nil {
		t.Fatal("expected runAuth to fail for the wrong password")
	}
	<-serverDone
}

func TestSplitChallenge(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	msg := fmt.Sprintf("r=abc123,s=%s,i=4096", salt)

	nonce, saltBytes, iterations, err := splitChallenge(msg)
	if err != nil {
		t.Fatalf("splitChallenge: %v", err)
	}
	if nonce != "abc123" {
		t.Errorf("nonce = %q, want abc123", nonce)
	}
	if string(saltBytes) != "somesalt" {
		t.Errorf("salt = %q, want somesalt", saltBytes)
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d, want 4096", iterations)
	}
}

func TestSplitChallengeMissingField(t *testing.T) {
	if _, _, _, err := splitChallenge("r=onlynonce"); err == nil {
		t.Error("expected an error when salt/iterations are missing")
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("user"); got != "user" {
		t.Errorf("got %q, want user", got)
	}
	if got := saslEscapeUsername("us=er"); got != "us=3Der" {
		t.Errorf("got %q, want us=3Der", got)
	}
	if got := saslEscapeUsername("us,er"); got != "us=2Cer" {
		t.Errorf("got %q, want us=2Cer", got)
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	data := append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...)
	got := parseSASLMechanisms(data)
	want := []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !containsMechanism(got, "SCRAM-SHA-256") {
		t.Error("containsMechanism should find SCRAM-SHA-256")
	}
	if containsMechanism(got, "GSSAPI") {
		t.Error("containsMechanism should not find an unoffered mechanism")
	}
}
