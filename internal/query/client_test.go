package query

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStatus struct {
	version string
	online  int
	max     int
	motd    any
}

// serveStatus answers Server List Ping handshakes on a loopback listener.
func serveStatus(t *testing.T, st fakeStatus) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	body, err := json.Marshal(map[string]any{
		"version":     map[string]any{"name": st.version, "protocol": 763},
		"players":     map[string]any{"online": st.online, "max": st.max},
		"description": st.motd,
	})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				// handshake, then status request
				for i := 0; i < 2; i++ {
					if _, _, err := readPacket(r); err != nil {
						return
					}
				}
				var resp bytes.Buffer
				writeString(&resp, string(body))
				if err := writePacket(conn, packetStatus, resp.Bytes()); err != nil {
					return
				}
				id, payload, err := readPacket(r)
				if err != nil || id != packetPing {
					return
				}
				_ = writePacket(conn, packetPing, payload)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type fakeQuery struct {
	kv      [][2]string
	players []string
	token   string
}

// serveQuery answers UDP handshake and full stat requests.
func serveQuery(t *testing.T, q fakeQuery) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			if n < 7 || !bytes.Equal(req[:2], queryMagic) {
				continue
			}
			typ, session := req[2], req[3:7]
			resp := append([]byte{typ}, session...)
			switch typ {
			case queryTypeHandshake:
				resp = append(resp, q.token...)
				resp = append(resp, 0)
			case queryTypeStat:
				if n != 15 {
					continue
				}
				want, _ := strconv.ParseInt(q.token, 10, 32)
				if int32(binary.BigEndian.Uint32(req[7:11])) != int32(want) {
					continue
				}
				resp = append(resp, kvPadding...)
				for _, pair := range q.kv {
					resp = append(resp, pair[0]...)
					resp = append(resp, 0)
					resp = append(resp, pair[1]...)
					resp = append(resp, 0)
				}
				resp = append(resp, 0)
				resp = append(resp, playerPadding...)
				for _, p := range q.players {
					resp = append(resp, p...)
					resp = append(resp, 0)
				}
				resp = append(resp, 0)
			}
			_, _ = pc.WriteTo(resp, addr)
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func closedTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func silentUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func serverKV(numPlayers, maxPlayers string) [][2]string {
	return [][2]string{
		{"hostname", "§aA Minecraft Server"},
		{"gametype", "SMP"},
		{"game_id", "MINECRAFT"},
		{"version", "1.20.1"},
		{"plugins", ""},
		{"map", "world"},
		{"numplayers", numPlayers},
		{"maxplayers", maxPlayers},
		{"hostport", "25565"},
		{"hostip", "127.0.0.1"},
	}
}

func TestBasicStatus(t *testing.T) {
	port := serveStatus(t, fakeStatus{
		version: "1.20.1",
		online:  3,
		max:     20,
		motd:    map[string]any{"text": "§bWelcome ", "extra": []any{map[string]any{"text": "home"}}},
	})
	c := New(context.Background(), "127.0.0.1", port, port, time.Second, zaptest.NewLogger(t))

	snap, err := c.BasicStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.20.1", snap.Version)
	require.Equal(t, 763, snap.Protocol)
	require.Equal(t, 3, snap.OnlineCount)
	require.Equal(t, 20, snap.MaxCount)
	require.Equal(t, "Welcome home", snap.MOTD)
	require.Greater(t, snap.Latency, time.Duration(0))
}

func TestBasicStatusNoPlayers(t *testing.T) {
	port := serveStatus(t, fakeStatus{version: "1.20.1", online: 0, max: 10, motd: "A Minecraft Server"})
	c := New(context.Background(), "127.0.0.1", port, port, time.Second, nil)

	snap, err := c.BasicStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.OnlineCount)
	require.Equal(t, 10, snap.MaxCount)
	require.Equal(t, "A Minecraft Server", snap.MOTD)
}

func TestBasicStatusUnreachable(t *testing.T) {
	port := closedTCPPort(t)
	c := New(context.Background(), "127.0.0.1", port, port, time.Second, nil)

	_, err := c.BasicStatus(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)

	out := c.Probe(context.Background())
	require.False(t, out.Online)
	require.Nil(t, out.Snapshot)
	require.NotEmpty(t, out.Reason)
}

func TestProbeOnline(t *testing.T) {
	port := serveStatus(t, fakeStatus{version: "1.21", online: 1, max: 5, motd: "hi"})
	c := New(context.Background(), "127.0.0.1", port, port, time.Second, nil)

	out := c.Probe(context.Background())
	require.True(t, out.Online)
	require.Equal(t, "1.21", out.Snapshot.Version)
}

func TestFullQuery(t *testing.T) {
	qport := serveQuery(t, fakeQuery{
		kv:      serverKV("2", "20"),
		players: []string{"Steve", "Alex"},
		token:   "9513307",
	})
	c := New(context.Background(), "127.0.0.1", 25565, qport, time.Second, nil)

	snap, err := c.FullQuery(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.OnlineCount)
	require.Equal(t, 20, snap.MaxCount)
	require.Equal(t, []string{"Steve", "Alex"}, snap.PlayerNames)
	require.Equal(t, "1.20.1", snap.Version)
	require.Equal(t, "world", snap.Map)
	require.Equal(t, "SMP", snap.GameType)
	require.Equal(t, "A Minecraft Server", snap.MOTD)
}

func TestFullQueryNoPlayers(t *testing.T) {
	qport := serveQuery(t, fakeQuery{kv: serverKV("0", "20"), token: "-42"})
	c := New(context.Background(), "127.0.0.1", 25565, qport, time.Second, nil)

	snap, err := c.FullQuery(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.OnlineCount)
	require.NotNil(t, snap.PlayerNames)
	require.Empty(t, snap.PlayerNames)
}

func TestFullQueryLargeRoster(t *testing.T) {
	players := make([]string, 300)
	for i := range players {
		players[i] = fmt.Sprintf("BusyServerPlayer%03d", i)
	}
	qport := serveQuery(t, fakeQuery{
		kv:      serverKV("300", "500"),
		players: players,
		token:   "1234",
	})
	c := New(context.Background(), "127.0.0.1", 25565, qport, time.Second, nil)

	snap, err := c.FullQuery(context.Background())
	require.NoError(t, err)
	require.Equal(t, 300, snap.OnlineCount)
	require.Equal(t, players, snap.PlayerNames)
}

func TestSnapshotJSON(t *testing.T) {
	raw, err := json.Marshal(Snapshot{Version: "1.21", Latency: 42 * time.Millisecond, OnlineCount: 0, MaxCount: 20})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, float64(42), out["latency_ms"])
	require.NotContains(t, out, "latency")
	require.Equal(t, []any{}, out["players"])
}

func TestFullQueryTimesOut(t *testing.T) {
	c := New(context.Background(), "127.0.0.1", 25565, silentUDPPort(t), 200*time.Millisecond, nil)

	start := time.Now()
	_, err := c.FullQuery(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestUnresolvableHost(t *testing.T) {
	c := New(context.Background(), "mc.host.invalid", 25565, 25565, time.Second, nil)

	_, err := c.BasicStatus(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = c.FullQuery(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestParseFullStatMalformed(t *testing.T) {
	_, err := parseFullStat([]byte("garbage"))
	require.Error(t, err)

	payload := append([]byte{}, kvPadding...)
	payload = append(payload, "numplayers\x001\x00\x00"...)
	payload = append(payload, playerPadding...)
	payload = append(payload, "Steve\x00\x00"...)
	_, err = parseFullStat(payload)
	require.ErrorContains(t, err, "maxplayers")
}

func TestVarIntEncoding(t *testing.T) {
	var buf bytes.Buffer
	writeVarInt(&buf, -1)
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}, buf.Bytes())

	buf.Reset()
	writeVarInt(&buf, 25565)
	require.Equal(t, []byte{0xdd, 0xc7, 0x01}, buf.Bytes())

	_, err := readVarInt(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	require.ErrorIs(t, err, errVarIntTooBig)
}
