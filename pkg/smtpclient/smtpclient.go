// Package smtpclient implements the line-oriented ESMTP state machine of
// spec §4.7: CONNECT, EHLO, optional STARTTLS, optional AUTH PLAIN,
// MAIL FROM/RCPT TO/DATA, dot-stuffed body, QUIT. Grounded on the teacher's
// approach to bounded, timeout-guarded blocking I/O (internal/platform's
// context-bounded dial/ping calls) applied here to raw net.Conn I/O since
// no example repo carries an SMTP client of its own.
package smtpclient

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config describes how to reach and authenticate against an SMTP relay.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool // connect directly over TLS (implicit TLS / smtps)
	TimeoutMs  int  // default 10000
}

// Message is a plain-text email to send.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string // plain text, UTF-8
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Client drives a single SMTP session end to end. One Client per Send call —
// spec models SMTP as synchronous, single-connection-per-send.
type Client struct {
	cfg  Config
	conn net.Conn
	r    *bufio.Reader
}

// Send connects, negotiates ESMTP/STARTTLS/AUTH, and transmits msg, then
// disconnects. It is the sole exported entry point.
func Send(cfg Config, msg Message) error {
	c := &Client{cfg: cfg}
	if err := c.dial(); err != nil {
		return err
	}
	defer c.conn.Close()

	if err := c.readReply(220); err != nil {
		return fmt.Errorf("smtp: greeting: %w", err)
	}

	exts, err := c.ehlo()
	if err != nil {
		return err
	}

	if !cfg.UseTLS && exts["STARTTLS"] {
		if err := c.startTLS(); err != nil {
			return err
		}
		if exts, err = c.ehlo(); err != nil {
			return err
		}
	}

	if cfg.Username != "" {
		if !exts["AUTH"] {
			return fmt.Errorf("smtp: server does not advertise AUTH")
		}
		if err := c.authPlain(); err != nil {
			return err
		}
	}

	if err := c.mailFrom(msg.From); err != nil {
		return err
	}
	if err := c.rcptTo(msg.To); err != nil {
		return err
	}
	if err := c.data(msg); err != nil {
		return err
	}

	// QUIT errors are ignored per spec: the message has already been
	// accepted by the server at this point.
	_ = c.send("QUIT")
	_, _ = c.readRawReply()

	return nil
}

func (c *Client) dial() error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.timeout()}

	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Client) deadline() time.Time {
	return time.Now().Add(c.cfg.timeout())
}

func (c *Client) send(line string) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(line + "\r\n"))
	if err != nil {
		return fmt.Errorf("smtp: write: %w", err)
	}
	return nil
}

var replyLinePattern = regexp.MustCompile(`^(\d{3})([ -])`)

// readRawReply reads one full (possibly multiline) SMTP reply and returns
// its numeric code; the reply text is discarded.
func (c *Client) readRawReply() (int, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return 0, err
	}

	var code int
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("smtp: read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		m := replyLinePattern.FindStringSubmatch(line)
		if m == nil {
			return 0, fmt.Errorf("smtp: malformed reply line %q", line)
		}
		code, _ = strconv.Atoi(m[1])
		lines = append(lines, line)
		if m[2] == " " {
			break
		}
	}
	_ = lines
	return code, nil
}

// readReply reads a reply and fails unless its code matches want.
func (c *Client) readReply(want int) error {
	code, err := c.readRawReply()
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("smtp: unexpected reply code %d, want %d", code, want)
	}
	return nil
}

// readReplyAny reads a reply and fails unless its code is one of want.
func (c *Client) readReplyAny(want ...int) error {
	code, err := c.readRawReply()
	if err != nil {
		return err
	}
	for _, w := range want {
		if code == w {
			return nil
		}
	}
	return fmt.Errorf("smtp: unexpected reply code %d, want one of %v", code, want)
}

func (c *Client) ehlo() (map[string]bool, error) {
	if err := c.send("EHLO settld"); err != nil {
		return nil, err
	}
	// EHLO responses are multiline; readRawReply already consumes all of
	// them, but we need the extension list, so re-read line by line here.
	return c.readEhloReply()
}

func (c *Client) readEhloReply() (map[string]bool, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return nil, err
	}
	exts := map[string]bool{}
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("smtp: read ehlo: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		m := replyLinePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("smtp: malformed ehlo line %q", line)
		}
		code, _ := strconv.Atoi(m[1])
		if code != 250 {
			return nil, fmt.Errorf("smtp: ehlo failed with code %d", code)
		}
		rest := strings.TrimSpace(line[4:])
		exts[strings.ToUpper(strings.Fields(rest)[0])] = true
		if m[2] == " " {
			break
		}
	}
	return exts, nil
}

func (c *Client) startTLS() error {
	if err := c.send("STARTTLS"); err != nil {
		return err
	}
	if err := c.readReply(220); err != nil {
		return fmt.Errorf("smtp: starttls: %w", err)
	}
	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: c.cfg.Host})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtp: tls handshake: %w", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return nil
}

func (c *Client) authPlain() error {
	creds := "\x00" + c.cfg.Username + "\x00" + c.cfg.Password
	encoded := base64.StdEncoding.EncodeToString([]byte(creds))
	if err := c.send("AUTH PLAIN " + encoded); err != nil {
		return err
	}
	return c.readReplyAny(235, 250)
}

func (c *Client) mailFrom(addr string) error {
	clean, err := extractAddr(addr)
	if err != nil {
		return err
	}
	if err := c.send("MAIL FROM:<" + clean + ">"); err != nil {
		return err
	}
	return c.readReply(250)
}

func (c *Client) rcptTo(addr string) error {
	clean, err := extractAddr(addr)
	if err != nil {
		return err
	}
	if err := c.send("RCPT TO:<" + clean + ">"); err != nil {
		return err
	}
	return c.readReplyAny(250, 251)
}

func (c *Client) data(msg Message) error {
	if err := c.send("DATA"); err != nil {
		return err
	}
	if err := c.readReply(354); err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}

	body := buildMessage(msg)
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(body)); err != nil {
		return fmt.Errorf("smtp: writing body: %w", err)
	}

	return c.readReply(250)
}

// buildMessage renders headers + dot-stuffed body + terminator, with CRLF
// line endings throughout.
func buildMessage(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")

	lines := strings.Split(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			b.WriteString(".")
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return b.String()
}

// extractAddr pulls the address out of "Name <addr>" form, or returns the
// trimmed input if no angle brackets are present. Rejects forms with no '@'.
func extractAddr(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		j := strings.IndexByte(s, '>')
		if j > i {
			s = s[i+1 : j]
		}
	}
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "@") {
		return "", fmt.Errorf("smtp: invalid address %q", raw)
	}
	return s, nil
}
