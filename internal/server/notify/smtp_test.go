package notify

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelay is a single-connection SMTP server that accepts every message.
type testRelay struct {
	addr string
	auth bool

	mu   sync.Mutex
	cmds []string
	data string
	done chan struct{}
}

func startRelay(t *testing.T, auth bool) *testRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	r := &testRelay{addr: ln.Addr().String(), auth: auth, done: make(chan struct{})}
	go r.serve(ln)
	return r
}

func (r *testRelay) serve(ln net.Listener) {
	defer close(r.done)
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 relay.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			_ = tp.PrintfLine("500 5.5.2 empty command")
			continue
		}
		r.mu.Lock()
		r.cmds = append(r.cmds, line)
		r.mu.Unlock()

		switch strings.ToUpper(fields[0]) {
		case "EHLO":
			if r.auth {
				_ = tp.PrintfLine("250-relay.test")
				_ = tp.PrintfLine("250 AUTH PLAIN")
			} else {
				_ = tp.PrintfLine("250 relay.test")
			}
		case "AUTH":
			_ = tp.PrintfLine("235 2.7.0 accepted")
		case "MAIL", "RCPT":
			_ = tp.PrintfLine("250 2.1.0 ok")
		case "DATA":
			_ = tp.PrintfLine("354 end with .")
			b, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.data = string(b)
			r.mu.Unlock()
			_ = tp.PrintfLine("250 2.0.0 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 2.0.0 bye")
			return
		default:
			_ = tp.PrintfLine("502 5.5.2 unknown command")
		}
	}
}

func (r *testRelay) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay session did not finish")
	}
}

// startSilentRelay accepts connections and never answers them.
func startSilentRelay(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func senderFor(t *testing.T, addr string, cfg SMTPConfig) *SMTPSender {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return NewSMTPSender(cfg)
}

func TestSMTPSender_Send(t *testing.T) {
	relay := startRelay(t, true)
	s := senderFor(t, relay.addr, SMTPConfig{User: "u", Password: "p", From: "no-reply@test"})
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := s.Send(context.Background(), Message{To: "a@example.com", Subject: "Hi", Body: "<p>body</p>"})
	require.NoError(t, err)
	relay.wait(t)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	require.GreaterOrEqual(t, len(relay.cmds), 5)
	assert.True(t, strings.HasPrefix(relay.cmds[1], "AUTH PLAIN "))
	assert.Contains(t, relay.cmds, "MAIL FROM:<no-reply@test>")
	assert.Contains(t, relay.cmds, "RCPT TO:<a@example.com>")

	assert.Contains(t, relay.data, "To: a@example.com\n")
	assert.Contains(t, relay.data, "Subject: Hi\n")
	assert.Contains(t, relay.data, "Date: Tue, 02 Jan 2024 03:04:05 +0000\n")
	assert.Contains(t, relay.data, "Content-Type: text/html")
	assert.Contains(t, relay.data, "\n\n<p>body</p>")
}

func TestSMTPSender_NoAuth(t *testing.T) {
	relay := startRelay(t, false)
	s := senderFor(t, relay.addr, SMTPConfig{From: "f@test"})

	require.NoError(t, s.Send(context.Background(), Message{To: "a@example.com"}))
	relay.wait(t)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	for _, c := range relay.cmds {
		assert.False(t, strings.HasPrefix(c, "AUTH"), c)
	}
}

func TestSMTPSender_AuthUnsupported(t *testing.T) {
	relay := startRelay(t, false)
	s := senderFor(t, relay.addr, SMTPConfig{User: "u", Password: "p", From: "f@test"})

	err := s.Send(context.Background(), Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH")
}

func TestSMTPSender_Errors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := senderFor(t, addr, SMTPConfig{From: "f@test"})
	err = s.Send(context.Background(), Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{}), context.Canceled)
}

func TestSMTPSender_SilentRelayHonoursDeadline(t *testing.T) {
	s := senderFor(t, startSilentRelay(t), SMTPConfig{From: "f@test"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPSender_SilentRelayHonoursCancel(t *testing.T) {
	s := senderFor(t, startSilentRelay(t), SMTPConfig{From: "f@test"})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := s.Send(ctx, Message{To: "a@example.com"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPSender_DefaultTimeout(t *testing.T) {
	s := senderFor(t, startSilentRelay(t), SMTPConfig{From: "f@test"})
	s.timeout = 100 * time.Millisecond

	start := time.Now()
	err := s.Send(context.Background(), Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
