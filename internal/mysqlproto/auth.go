// Package mysqlproto implements a MySQL binlog replication client: wire
// codec, mysql_native_password handshake, COM_REGISTER_SLAVE /
// COM_BINLOG_DUMP, the TableMapEvent cache, and RowsEvent v2 decode. Shaped
// after the teacher's internal/pool/pool.go authenticateMySQL/
// mysqlNativePasswordHash, which already dial and authenticate against a
// real MySQL backend as a client — the same role this package always plays.
package mysqlproto

import (
	"crypto/sha1" //nolint:gosec // required by the mysql_native_password algorithm, not used for anything else
	"encoding/binary"
	"fmt"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/wire"
)

// Capability flags used when building HandshakeResponse41.
const (
	capLongPassword     = 0x00000001
	capProtocol41       = 0x00000200
	capSecureConnection = 0x00008000
	capPluginAuth       = 0x00080000
	capPluginAuthLenEnc = 0x00200000
	capConnectAttrs     = 0x00100000
)

const clientCapabilities = capLongPassword | capProtocol41 | capSecureConnection | capPluginAuth | capPluginAuthLenEnc

// handshakeV10 is the server's initial greeting.
type handshakeV10 struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthPluginData  []byte
	Capabilities    uint32
	AuthPluginName  string
}

// parseHandshakeV10 decodes the server's initial greeting packet.
func parseHandshakeV10(payload []byte) (*handshakeV10, error) {
	if len(payload) < 1 || payload[0] != 10 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "unsupported handshake protocol version")
	}
	hs := &handshakeV10{ProtocolVersion: payload[0]}
	b := payload[1:]

	version, n, err := wire.ReadCString(b)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading server version", err)
	}
	hs.ServerVersion = version
	b = b[n:]

	if len(b) < 4 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at connection id")
	}
	hs.ConnectionID = binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]

	if len(b) < 8 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at auth-plugin-data-part-1")
	}
	authData := append([]byte{}, b[0:8]...)
	b = b[8:]

	if len(b) < 1 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at filler")
	}
	b = b[1:] // filler (0x00)

	if len(b) < 2 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at capability flags (lower)")
	}
	capLower := binary.LittleEndian.Uint16(b[0:2])
	b = b[2:]
	caps := uint32(capLower)

	var authDataLen int
	if len(b) >= 1 {
		// character set.
		b = b[1:]
	}
	if len(b) >= 2 {
		// status flags.
		b = b[2:]
	}
	if len(b) >= 2 {
		capUpper := binary.LittleEndian.Uint16(b[0:2])
		caps |= uint32(capUpper) << 16
		b = b[2:]
	}
	hs.Capabilities = caps

	if caps&capPluginAuth != 0 {
		if len(b) < 1 {
			return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at auth-plugin-data-len")
		}
		authDataLen = int(b[0])
		b = b[1:]
	} else if len(b) >= 1 {
		b = b[1:]
	}

	if len(b) >= 10 {
		b = b[10:] // reserved
	}

	if caps&capSecureConnection != 0 {
		part2Len := authDataLen - 8
		if part2Len < 13 {
			part2Len = 13
		}
		if len(b) < part2Len {
			return nil, cdcerr.New(cdcerr.KindProtocolError, "handshake truncated at auth-plugin-data-part-2")
		}
		part2 := b[:part2Len]
		// The field is NUL-padded to at least 13 bytes; trim the trailing
		// NUL that terminates it when present.
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
		b = b[part2Len:]
	}

	if caps&capPluginAuth != 0 {
		name, _, err := wire.ReadCString(b)
		if err == nil {
			hs.AuthPluginName = name
		}
	}

	hs.AuthPluginData = authData
	return hs, nil
}

// mysqlNativePasswordHash computes the mysql_native_password response:
// SHA1(password) XOR SHA1(authData + SHA1(SHA1(password))).
func mysqlNativePasswordHash(password string, authData []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha1.Sum([]byte(password))
	stage2 := sha1.Sum(stage1[:])
	h := sha1.New()
	h.Write(authData)
	h.Write(stage2[:])
	stage3 := h.Sum(nil)
	out := make([]byte, len(stage1))
	for i := range stage1 {
		out[i] = stage1[i] ^ stage3[i]
	}
	return out
}

// buildHandshakeResponse41 assembles the client's HandshakeResponse41 packet
// for mysql_native_password authentication.
func buildHandshakeResponse41(user, authResponse, authPluginName string, scramble []byte) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, clientCapabilities)
	buf = binary.LittleEndian.AppendUint32(buf, wire.MaxFrameSize)
	buf = append(buf, 0x21) // charset utf8mb4_general_ci
	buf = append(buf, make([]byte, 23)...)
	buf = wire.PutCString(buf, user)

	resp := mysqlNativePasswordHash(authResponse, scramble)
	buf = append(buf, byte(len(resp)))
	buf = append(buf, resp...)

	buf = wire.PutCString(buf, authPluginName)
	return buf
}

// authenticate drives the handshake: read HandshakeV10, respond with
// HandshakeResponse41, and follow an AuthSwitchRequest if the server asks
// for a different plugin. Only mysql_native_password is supported;
// caching_sha2_password and anything else fails as KindAuthUnsupported,
// matching spec §4's authentication scope.
func (c *Conn) authenticate(password string) error {
	frame, err := wire.ReadMySQLFrame(c.rw)
	if err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "reading handshake", err)
	}
	if len(frame.Payload) > 0 && frame.Payload[0] == 0xff {
		return cdcerr.New(cdcerr.KindConnectFailed, parseErrPacket(frame.Payload))
	}
	c.seq.Reset()
	if err := c.seq.Check(frame.Seq); err != nil {
		return err
	}

	hs, err := parseHandshakeV10(frame.Payload)
	if err != nil {
		return err
	}
	c.serverVersion = hs.ServerVersion
	c.connectionID = hs.ConnectionID

	pluginName := hs.AuthPluginName
	if pluginName == "" {
		pluginName = "mysql_native_password"
	}
	if pluginName != "mysql_native_password" {
		return cdcerr.New(cdcerr.KindAuthUnsupported, fmt.Sprintf("auth plugin %q", pluginName))
	}

	resp := buildHandshakeResponse41(c.user, password, pluginName, hs.AuthPluginData)
	if err := wire.WriteMySQLFrame(c.rw, c.seq.NextSeq(), resp); err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "writing handshake response", err)
	}

	return c.readAuthResult(password)
}

// readAuthResult reads the server's reply to HandshakeResponse41: OK, ERR,
// or an AuthSwitchRequest (0xfe) asking for a different plugin/scramble.
func (c *Conn) readAuthResult(password string) error {
	frame, err := wire.ReadMySQLFrame(c.rw)
	if err != nil {
		return cdcerr.Wrap(cdcerr.KindAuthFailed, "reading auth result", err)
	}
	if err := c.seq.Check(frame.Seq); err != nil {
		return err
	}
	if len(frame.Payload) == 0 {
		return cdcerr.New(cdcerr.KindProtocolError, "empty auth result packet")
	}

	switch frame.Payload[0] {
	case 0x00:
		return nil // OK
	case 0xff:
		return cdcerr.New(cdcerr.KindAuthFailed, parseErrPacket(frame.Payload))
	case 0xfe:
		pluginName, scramble, err := parseAuthSwitchRequest(frame.Payload)
		if err != nil {
			return err
		}
		if pluginName != "mysql_native_password" {
			return cdcerr.New(cdcerr.KindAuthUnsupported, fmt.Sprintf("auth switch to %q", pluginName))
		}
		resp := mysqlNativePasswordHash(password, scramble)
		if err := wire.WriteMySQLFrame(c.rw, c.seq.NextSeq(), resp); err != nil {
			return cdcerr.Wrap(cdcerr.KindConnectFailed, "writing auth switch response", err)
		}
		final, err := wire.ReadMySQLFrame(c.rw)
		if err != nil {
			return cdcerr.Wrap(cdcerr.KindAuthFailed, "reading auth switch result", err)
		}
		if err := c.seq.Check(final.Seq); err != nil {
			return err
		}
		if len(final.Payload) > 0 && final.Payload[0] == 0xff {
			return cdcerr.New(cdcerr.KindAuthFailed, parseErrPacket(final.Payload))
		}
		return nil
	default:
		return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("unexpected auth result header 0x%02x", frame.Payload[0]))
	}
}

func parseAuthSwitchRequest(payload []byte) (plugin string, scramble []byte, err error) {
	b := payload[1:]
	name, n, rerr := wire.ReadCString(b)
	if rerr != nil {
		return "", nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading auth-switch plugin name", rerr)
	}
	b = b[n:]
	// Scramble data is the remainder, NUL-terminated if present.
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return name, b, nil
}

// parseErrPacket decodes an ERR_Packet (header 0xff) into a readable string.
func parseErrPacket(payload []byte) string {
	if len(payload) < 3 {
		return "malformed ERR packet"
	}
	code := binary.LittleEndian.Uint16(payload[1:3])
	msg := payload[3:]
	if len(msg) > 0 && msg[0] == '#' && len(msg) >= 6 {
		sqlState := msg[1:6]
		msg = msg[6:]
		return fmt.Sprintf("error %d (%s): %s", code, sqlState, msg)
	}
	return fmt.Sprintf("error %d: %s", code, msg)
}
