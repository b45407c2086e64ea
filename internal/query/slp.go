package query

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/reedfamily/mcctl/internal/game/minecraft"
)

const (
	packetHandshake = 0x00
	packetStatus    = 0x00
	packetPing      = 0x01

	stateStatus = 1

	// Largest status JSON accepted; favicons make responses tens of KB.
	maxStatusPacket = 1 << 21
)

var errVarIntTooBig = errors.New("varint too big")

// statusResponse is the JSON body of a status response packet.
type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
		Sample []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"sample"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
}

func pingStatus(ctx context.Context, addr *net.TCPAddr, host string) (*Snapshot, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	// Unblock reads if ctx is cancelled before its deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	r := bufio.NewReader(conn)

	var hs bytes.Buffer
	writeVarInt(&hs, -1) // protocol version: any
	writeString(&hs, host)
	_ = binary.Write(&hs, binary.BigEndian, uint16(addr.Port))
	writeVarInt(&hs, stateStatus)
	if err := writePacket(conn, packetHandshake, hs.Bytes()); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	if err := writePacket(conn, packetStatus, nil); err != nil {
		return nil, fmt.Errorf("write status request: %w", err)
	}

	id, body, err := readPacket(r)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if id != packetStatus {
		return nil, fmt.Errorf("unexpected packet id 0x%02x", id)
	}
	raw, err := readString(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	var resp statusResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode status json: %w", err)
	}

	latency, err := ping(conn, r)
	if err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	snap := &Snapshot{
		Version:     resp.Version.Name,
		Protocol:    resp.Version.Protocol,
		Latency:     latency,
		OnlineCount: resp.Players.Online,
		MaxCount:    resp.Players.Max,
		MOTD:        minecraft.Adapter{}.StripFormatting(flattenChat(resp.Description)),
	}
	return snap, nil
}

func ping(w io.Writer, r *bufio.Reader) (time.Duration, error) {
	payload := time.Now().UnixMilli()
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, payload)

	start := time.Now()
	if err := writePacket(w, packetPing, buf.Bytes()); err != nil {
		return 0, err
	}
	id, body, err := readPacket(r)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	if id != packetPing || len(body) != 8 {
		return 0, fmt.Errorf("unexpected pong packet 0x%02x (%d bytes)", id, len(body))
	}
	if int64(binary.BigEndian.Uint64(body)) != payload {
		return 0, errors.New("pong payload mismatch")
	}
	return latency, nil
}

// flattenChat renders a chat component (plain string or {"text", "extra"}
// object) as plain text.
func flattenChat(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var comp struct {
		Text  string            `json:"text"`
		Extra []json.RawMessage `json:"extra"`
	}
	if err := json.Unmarshal(raw, &comp); err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(comp.Text)
	for _, e := range comp.Extra {
		b.WriteString(flattenChat(e))
	}
	return b.String()
}

func writePacket(w io.Writer, id int32, data []byte) error {
	var body bytes.Buffer
	writeVarInt(&body, id)
	body.Write(data)

	var frame bytes.Buffer
	writeVarInt(&frame, int32(body.Len()))
	frame.Write(body.Bytes())
	_, err := w.Write(frame.Bytes())
	return err
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

func readPacket(r byteReader) (int32, []byte, error) {
	length, err := readVarInt(r)
	if err != nil {
		return 0, nil, err
	}
	if length <= 0 || length > maxStatusPacket {
		return 0, nil, fmt.Errorf("invalid packet length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	br := bytes.NewReader(buf)
	id, err := readVarInt(br)
	if err != nil {
		return 0, nil, err
	}
	rest := buf[len(buf)-br.Len():]
	return id, rest, nil
}

func writeVarInt(w *bytes.Buffer, v int32) {
	u := uint32(v)
	for {
		if u&^0x7f == 0 {
			w.WriteByte(byte(u))
			return
		}
		w.WriteByte(byte(u&0x7f) | 0x80)
		u >>= 7
	}
}

func readVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, errVarIntTooBig
}

func writeString(w *bytes.Buffer, s string) {
	writeVarInt(w, int32(len(s)))
	w.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readVarInt(r)
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds packet", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
