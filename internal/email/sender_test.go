package email

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindflora/mindflora/internal/core"
)

// fakeSMTP is a minimal SMTP server recording what it receives
type fakeSMTP struct {
	ln         net.Listener
	rejectRcpt bool

	mu    sync.Mutex
	rcpts []string
	data  []string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeSMTP{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMTP) serve(c net.Conn) {
	defer c.Close()
	tp := textproto.NewConn(c)
	tp.PrintfLine("220 localhost ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "EHLO", "HELO":
			tp.PrintfLine("250-localhost")
			tp.PrintfLine("250 8BITMIME")
		case "RCPT":
			if f.rejectRcpt {
				tp.PrintfLine("550 no such user")
				continue
			}
			f.mu.Lock()
			f.rcpts = append(f.rcpts, line)
			f.mu.Unlock()
			tp.PrintfLine("250 OK")
		case "DATA":
			tp.PrintfLine("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.data = append(f.data, strings.Join(lines, "\n"))
			f.mu.Unlock()
			tp.PrintfLine("250 queued")
		case "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("250 OK")
		}
	}
}

func (f *fakeSMTP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.data...)
}

func testSender(f *fakeSMTP) *Sender {
	return NewSender(Config{
		SMTPHost:    "127.0.0.1",
		SMTPPort:    f.port(),
		FromEmail:   "assistant@mindflora.test",
		FromName:    "MindFlora",
		UseStartTLS: true,
		Timeout:     5 * time.Second,
	})
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SMTP_HOST", "smtp.test.com")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("SMTP_FROM_NAME", "")

	cfg := DefaultConfig()

	assert.Equal(t, "smtp.test.com", cfg.SMTPHost)
	assert.Equal(t, 465, cfg.SMTPPort)
	assert.Equal(t, "MindFlora", cfg.FromName)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestDefaultConfig_DefaultPort(t *testing.T) {
	t.Setenv("SMTP_PORT", "")
	assert.Equal(t, 587, DefaultConfig().SMTPPort)
}

func TestSender_IsConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"empty", Config{}, false},
		{"host only", Config{SMTPHost: "smtp.test.com"}, false},
		{"from only", Config{FromEmail: "a@test.com"}, false},
		{"host and from", Config{SMTPHost: "smtp.test.com", FromEmail: "a@test.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewSender(tt.cfg).IsConfigured())
		})
	}
}

func TestSender_Send_NotConfigured(t *testing.T) {
	err := NewSender(Config{}).Send(context.Background(), &Message{To: []string{"a@test.com"}})
	assert.ErrorIs(t, err, core.ErrNotConfigured)
}

func TestSender_Send_NoRecipient(t *testing.T) {
	s := NewSender(Config{SMTPHost: "127.0.0.1", FromEmail: "a@test.com"})
	err := s.Send(context.Background(), &Message{})
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

func TestSender_Send(t *testing.T) {
	f := startFakeSMTP(t)
	s := testSender(f)

	err := s.SendNotification(context.Background(), "5551234567@vtext.com", "MindFlora", "Hi there")
	require.NoError(t, err)

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "To: 5551234567@vtext.com")
	assert.Contains(t, msgs[0], "X-MindFlora-Type: notification")
	assert.Contains(t, msgs[0], "Hi there")
}

func TestSender_Send_RecipientRejected(t *testing.T) {
	f := startFakeSMTP(t)
	f.rejectRcpt = true

	err := testSender(f).SendNotification(context.Background(), "nobody@test.com", "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RCPT TO failed")
}

func TestSender_Send_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := NewSender(Config{SMTPHost: "127.0.0.1", SMTPPort: port, FromEmail: "a@test.com", Timeout: time.Second})
	err = s.SendNotification(context.Background(), "b@test.com", "s", "b")
	require.Error(t, err)

	var netErr net.Error
	assert.ErrorAs(t, err, &netErr)
}

func TestSender_TestConnection(t *testing.T) {
	f := startFakeSMTP(t)
	assert.NoError(t, testSender(f).TestConnection(context.Background()))
	assert.ErrorIs(t, NewSender(Config{}).TestConnection(context.Background()), core.ErrNotConfigured)
}

func TestSender_buildEmail_TextOnly(t *testing.T) {
	s := NewSender(Config{FromEmail: "sender@test.com", FromName: "Test Sender"})

	email := string(s.buildEmail(&Message{
		To:       []string{"recipient@test.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}))

	assert.Contains(t, email, "From: Test Sender <sender@test.com>")
	assert.Contains(t, email, "Subject: Test Subject")
	assert.Contains(t, email, "Content-Type: text/plain")
	assert.Contains(t, email, "Hello, World!")
}

func TestSender_buildEmail_HTMLOnly(t *testing.T) {
	s := NewSender(Config{FromEmail: "sender@test.com"})

	email := string(s.buildEmail(&Message{
		To:       []string{"recipient@test.com"},
		HTMLBody: "<h1>Hello</h1>",
	}))

	assert.Contains(t, email, "Content-Type: text/html")
	assert.NotContains(t, email, "multipart")
}

func TestSender_buildEmail_Multipart(t *testing.T) {
	s := NewSender(Config{FromEmail: "sender@test.com"})

	email := string(s.buildEmail(&Message{
		To:       []string{"a@test.com", "b@test.com"},
		TextBody: "plain",
		HTMLBody: "<p>html</p>",
		Headers:  map[string]string{"X-Custom": "yes"},
	}))

	assert.Contains(t, email, "To: a@test.com, b@test.com")
	assert.Contains(t, email, "multipart/alternative")
	assert.Contains(t, email, "X-Custom: yes")
	assert.Contains(t, email, "plain")
	assert.Contains(t, email, "<p>html</p>")
}
