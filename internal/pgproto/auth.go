package pgproto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/wire"
)

// PostgreSQL authentication request subtypes (payload of an 'R' message).
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue       = 11
	authSASLFinal          = 12
)

// runAuth drives the authentication phase that follows a StartupMessage,
// dispatching on the AuthenticationXXX subtype the server offers, as one
// step of Dial.
func (c *Conn) runAuth() error {
	for {
		frame, err := wire.ReadPGFrame(c.rw)
		if err != nil {
			return cdcerr.Wrap(cdcerr.KindAuthFailed, "reading authentication message", err)
		}
		switch frame.Tag {
		case 'E':
			return cdcerr.New(cdcerr.KindAuthFailed, parseErrorMessage(frame.Body))
		case 'R':
			if len(frame.Body) < 4 {
				return cdcerr.New(cdcerr.KindProtocolError, "authentication message too short")
			}
			authType := binary.BigEndian.Uint32(frame.Body[:4])
			switch authType {
			case authOK:
				return nil
			case authCleartextPassword:
				if err := c.sendPasswordMessage(c.cfg.Password); err != nil {
					return cdcerr.Wrap(cdcerr.KindAuthFailed, "cleartext auth", err)
				}
			case authMD5Password:
				if len(frame.Body) < 8 {
					return cdcerr.New(cdcerr.KindProtocolError, "MD5 auth message too short")
				}
				salt := frame.Body[4:8]
				if err := c.sendPasswordMessage(md5Password(c.cfg.User, c.cfg.Password, salt)); err != nil {
					return cdcerr.Wrap(cdcerr.KindAuthFailed, "md5 auth", err)
				}
			case authSASL:
				if err := c.scramSHA256(frame.Body[4:]); err != nil {
					return cdcerr.Wrap(cdcerr.KindAuthFailed, "scram-sha-256", err)
				}
			case authSASLContinue, authSASLFinal:
				// Handled inline by scramSHA256; seeing one here means the
				// server violated the expected ordering.
				return cdcerr.New(cdcerr.KindProtocolError, "unexpected SASL message outside SCRAM exchange")
			default:
				return cdcerr.New(cdcerr.KindAuthUnsupported, fmt.Sprintf("auth type %d", authType))
			}
		case 'S', 'K':
			// ParameterStatus / BackendKeyData during startup — recorded
			// elsewhere, nothing to do here.
			continue
		default:
			return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("unexpected message %q during auth", frame.Tag))
		}
	}
}

// md5Password computes PostgreSQL's "md5" + hex(md5(hex(md5(pw+user))+salt)).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func (c *Conn) sendPasswordMessage(password string) error {
	return wire.WritePGFrame(c.rw, 'p', append([]byte(password), 0))
}

// scramSHA256 drives the RFC 5802 SCRAM-SHA-256 mechanism to completion:
// build and send the opening bid, fold the server's challenge into a
// signed reply, then check the server proves it holds the same derived
// secret. saslPayload is the mechanism list from the AuthenticationSASL
// message (after the 4-byte auth-type prefix).
func (c *Conn) scramSHA256(saslPayload []byte) error {
	offered := parseSASLMechanisms(saslPayload)
	if !containsMechanism(offered, "SCRAM-SHA-256") {
		return fmt.Errorf("peer does not offer SCRAM-SHA-256, got: %v", offered)
	}

	negotiation, err := newScramNegotiation(c.cfg.User, c.cfg.Password)
	if err != nil {
		return fmt.Errorf("starting SCRAM negotiation: %w", err)
	}

	if err := c.sendSASLInitialResponse("SCRAM-SHA-256", negotiation.openingBid()); err != nil {
		return fmt.Errorf("sending opening bid: %w", err)
	}

	challenge, err := c.readAuthMessage(authSASLContinue)
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	reply, err := negotiation.respondToChallenge(challenge)
	if err != nil {
		return fmt.Errorf("building challenge reply: %w", err)
	}

	if err := c.sendSASLResponse(reply); err != nil {
		return fmt.Errorf("sending challenge reply: %w", err)
	}

	outcome, err := c.readAuthMessage(authSASLFinal)
	if err != nil {
		return fmt.Errorf("reading negotiation outcome: %w", err)
	}
	if err := negotiation.verifyOutcome(outcome); err != nil {
		return err
	}

	// AuthenticationOk follows; the outer runAuth loop consumes it.
	return nil
}

// scramNegotiation accumulates the per-attempt state (derived keys, the
// running transcript) needed to carry one SCRAM-SHA-256 exchange from
// opening bid through outcome verification.
type scramNegotiation struct {
	password string

	clientEntropy string // base64 nonce this side contributed
	gs2Header     string // channel-binding flag + authzid, fixed at "n,,"
	openingBare   string // opening bid minus the gs2 header, reused in the transcript

	transcript          string // every message exchanged so far, joined with ","
	clientKey           []byte
	storedKey           []byte
	expectedServerProof []byte
}

func newScramNegotiation(user, password string) (*scramNegotiation, error) {
	entropy := make([]byte, 18)
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("sampling client entropy: %w", err)
	}
	n := &scramNegotiation{
		password:      password,
		clientEntropy: base64.StdEncoding.EncodeToString(entropy),
		gs2Header:     "n,,",
	}
	n.openingBare = fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), n.clientEntropy)
	return n, nil
}

// openingBid is the gs2-header-prefixed client-first-message.
func (n *scramNegotiation) openingBid() []byte {
	return []byte(n.gs2Header + n.openingBare)
}

// respondToChallenge consumes the server's challenge (nonce/salt/iteration
// count), derives the salted key material, and returns the signed reply.
func (n *scramNegotiation) respondToChallenge(challenge []byte) ([]byte, error) {
	combinedNonce, salt, iterations, err := splitChallenge(string(challenge))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(combinedNonce, n.clientEntropy) {
		return nil, fmt.Errorf("peer echoed a nonce that does not extend ours")
	}

	derivedKey := pbkdf2.Key([]byte(n.password), salt, iterations, 32, sha256.New)
	n.clientKey = hmacSHA256(derivedKey, []byte("Client Key"))
	n.storedKey = sha256Sum(n.clientKey)
	serverKey := hmacSHA256(derivedKey, []byte("Server Key"))

	bindingClause := "c=" + base64.StdEncoding.EncodeToString([]byte(n.gs2Header))
	replyWithoutProof := fmt.Sprintf("%s,r=%s", bindingClause, combinedNonce)

	n.transcript = n.openingBare + "," + string(challenge) + "," + replyWithoutProof
	signature := hmacSHA256(n.storedKey, []byte(n.transcript))
	proof := xorBytes(n.clientKey, signature)
	n.expectedServerProof = hmacSHA256(serverKey, []byte(n.transcript))

	return []byte(replyWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

// verifyOutcome checks the peer's closing message proves it derived the
// same server key we did, rejecting the handshake otherwise.
func (n *scramNegotiation) verifyOutcome(outcome []byte) error {
	want := "v=" + base64.StdEncoding.EncodeToString(n.expectedServerProof)
	if string(outcome) != want {
		return fmt.Errorf("peer could not prove possession of the shared secret")
	}
	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

// splitChallenge breaks a server-first-message ("r=<nonce>,s=<salt>,i=<n>")
// into its three fields.
func splitChallenge(msg string) (combinedNonce string, salt []byte, iterations int, err error) {
	for _, field := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(field, "r="):
			combinedNonce = field[2:]
		case strings.HasPrefix(field, "s="):
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt field: %w", err)
			}
		case strings.HasPrefix(field, "i="):
			fmt.Sscanf(field[2:], "%d", &iterations)
		}
	}
	if combinedNonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("challenge missing a required field: %q", msg)
	}
	return combinedNonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func (c *Conn) sendSASLInitialResponse(mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return wire.WritePGFrame(c.rw, 'p', payload)
}

func (c *Conn) sendSASLResponse(data []byte) error {
	return wire.WritePGFrame(c.rw, 'p', data)
}

// readAuthMessage reads an Authentication message and verifies its subtype.
func (c *Conn) readAuthMessage(expectedAuthType uint32) ([]byte, error) {
	frame, err := wire.ReadPGFrame(c.rw)
	if err != nil {
		return nil, err
	}
	if frame.Tag == 'E' {
		return nil, cdcerr.New(cdcerr.KindAuthFailed, parseErrorMessage(frame.Body))
	}
	if frame.Tag != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got %q", frame.Tag)
	}
	if len(frame.Body) < 4 {
		return nil, fmt.Errorf("auth message too short")
	}
	authType := binary.BigEndian.Uint32(frame.Body[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return frame.Body[4:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// parseErrorMessage decodes an ErrorResponse body's 'M' field, prefixed by
// its 'S' severity when present; without an 'M' field it returns a fixed
// placeholder message.
func parseErrorMessage(body []byte) string {
	var severity, message string
	for len(body) > 0 {
		tag := body[0]
		if tag == 0 {
			break
		}
		s, n, err := readCStringField(body[1:])
		if err != nil {
			break
		}
		switch tag {
		case 'S':
			severity = s
		case 'M':
			message = s
		}
		body = body[1+n:]
	}
	if message == "" {
		return "server error (no message field)"
	}
	if severity != "" {
		return severity + ": " + message
	}
	return message
}

func readCStringField(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, io.ErrUnexpectedEOF
}
