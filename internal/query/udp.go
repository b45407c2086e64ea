package query

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/reedfamily/mcctl/internal/game/minecraft"
)

const (
	queryTypeHandshake = 0x09
	queryTypeStat      = 0x00

	// Session ids only use the low nibble of every byte.
	sessionMask = 0x0F0F0F0F

	// A full stat reply from a busy server runs well past a few KB.
	maxDatagram = 65535
)

var (
	queryMagic = []byte{0xFE, 0xFD}

	// Fixed padding the server writes before the key/value section and
	// before the player section of a full stat response.
	kvPadding     = []byte("splitnum\x00\x80\x00")
	playerPadding = []byte("\x01player_\x00\x00")
)

func fullStat(ctx context.Context, addr *net.UDPAddr) (*Snapshot, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	session, err := newSessionID()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	token, err := handshake(conn, session)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	req := queryHeader(queryTypeStat, session)
	req = binary.BigEndian.AppendUint32(req, uint32(token))
	req = append(req, 0, 0, 0, 0) // padding requests the full stat
	resp, err := roundTrip(conn, req, queryTypeStat, session)
	if err != nil {
		return nil, fmt.Errorf("full stat: %w", err)
	}
	latency := time.Since(start)

	snap, err := parseFullStat(resp)
	if err != nil {
		return nil, err
	}
	snap.Latency = latency
	return snap, nil
}

func handshake(conn net.Conn, session int32) (int32, error) {
	resp, err := roundTrip(conn, queryHeader(queryTypeHandshake, session), queryTypeHandshake, session)
	if err != nil {
		return 0, err
	}
	raw, _, err := readCString(resp)
	if err != nil {
		return 0, err
	}
	token, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("challenge token %q: %w", raw, err)
	}
	return int32(token), nil
}

// roundTrip sends req and returns the payload after the 5-byte response
// header, checking type and session id.
func roundTrip(conn net.Conn, req []byte, typ byte, session int32) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]
	if len(buf) < 5 {
		return nil, fmt.Errorf("short response (%d bytes)", len(buf))
	}
	if buf[0] != typ {
		return nil, fmt.Errorf("unexpected response type 0x%02x", buf[0])
	}
	if int32(binary.BigEndian.Uint32(buf[1:5])) != session {
		return nil, errors.New("session id mismatch")
	}
	return buf[5:], nil
}

func queryHeader(typ byte, session int32) []byte {
	h := append([]byte{}, queryMagic...)
	h = append(h, typ)
	return binary.BigEndian.AppendUint32(h, uint32(session))
}

func newSessionID() (int32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:]) & sessionMask), nil
}

func parseFullStat(payload []byte) (*Snapshot, error) {
	if !bytes.HasPrefix(payload, kvPadding) {
		return nil, errors.New("full stat: missing key/value padding")
	}
	rest := payload[len(kvPadding):]

	kv := map[string]string{}
	for {
		key, next, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("full stat key: %w", err)
		}
		rest = next
		if key == "" {
			break
		}
		val, next, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("full stat value for %s: %w", key, err)
		}
		rest = next
		kv[key] = val
	}

	if !bytes.HasPrefix(rest, playerPadding) {
		return nil, errors.New("full stat: missing player padding")
	}
	rest = rest[len(playerPadding):]

	names := []string{}
	for len(rest) > 0 {
		name, next, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("full stat player: %w", err)
		}
		rest = next
		if name == "" {
			break
		}
		names = append(names, name)
	}

	online, err := atoiField(kv, "numplayers")
	if err != nil {
		return nil, err
	}
	maxPlayers, err := atoiField(kv, "maxplayers")
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:     kv["version"],
		OnlineCount: online,
		MaxCount:    maxPlayers,
		PlayerNames: names,
		MOTD:        minecraft.Adapter{}.StripFormatting(kv["hostname"]),
		Map:         kv["map"],
		GameType:    kv["gametype"],
	}, nil
}

func atoiField(kv map[string]string, key string) (int, error) {
	v, ok := kv[key]
	if !ok {
		return 0, fmt.Errorf("full stat: missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("full stat: %s %q: %w", key, v, err)
	}
	return n, nil
}

// readCString returns the null-terminated string at the start of b and the
// bytes after the terminator.
func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, errors.New("unterminated string")
	}
	return string(b[:i]), b[i+1:], nil
}
