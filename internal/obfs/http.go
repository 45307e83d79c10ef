package obfs

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// maxHTTPGreetingSize bounds how much we'll buffer while waiting for the
// \r\n\r\n header terminator before giving up on a malformed client.
const maxHTTPGreetingSize = 8192

const wsAcceptAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

type httpObfuscator struct {
	host string

	obfsStage   stage
	deobfsStage stage
	buf         []byte
}

// NewHTTP builds an HTTP-Upgrade obfuscator template for the given
// obfs-host configuration value.
func NewHTTP(host string) Obfuscator {
	return &httpObfuscator{host: host}
}

func (h *httpObfuscator) Kind() Kind { return KindHTTP }

func (h *httpObfuscator) Duplicate() Obfuscator {
	return &httpObfuscator{host: h.host}
}

func (h *httpObfuscator) ObfsResponse(dst, payload []byte) []byte {
	if h.obfsStage == stageGreeting {
		dst = append(dst, h.buildResponseHeader()...)
		h.obfsStage = stageSteady
	}
	return append(dst, payload...)
}

func (h *httpObfuscator) DeobfsRequest(data []byte) ([]byte, Result) {
	if h.deobfsStage == stageSteady {
		return data, ResultOK
	}

	h.buf = append(h.buf, data...)

	if len(h.buf) >= 3 && !bytes.HasPrefix(h.buf, []byte("GET")) {
		return nil, ResultInvalid
	}

	idx := bytes.Index(h.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(h.buf) > maxHTTPGreetingSize {
			return nil, ResultInvalid
		}
		return nil, ResultNeedMore
	}

	header := h.buf[:idx]
	rest := append([]byte(nil), h.buf[idx+4:]...)

	lines := bytes.Split(header, []byte("\r\n"))
	fields := strings.Fields(string(lines[0]))
	if len(fields) == 0 || fields[0] != "GET" {
		return nil, ResultInvalid
	}

	upgraded := false
	for _, line := range lines[1:] {
		k, v, ok := splitHeaderField(line)
		if !ok {
			continue
		}
		if strings.EqualFold(k, "Upgrade") && strings.EqualFold(strings.TrimSpace(v), "websocket") {
			upgraded = true
		}
	}
	if !upgraded {
		return nil, ResultInvalid
	}

	h.deobfsStage = stageSteady
	h.buf = nil
	return rest, ResultOK
}

func splitHeaderField(line []byte) (key, value string, ok bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return string(line[:idx]), string(line[idx+1:]), true
}

func (h *httpObfuscator) buildResponseHeader() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprintf(&b, "Server: nginx/1.%d.%d\r\n", randInt(20), randInt(10))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n\r\n", randWebSocketAccept())
	return b.Bytes()
}

func randWebSocketAccept() string {
	buf := make([]byte, 24)
	for i := range buf {
		buf[i] = wsAcceptAlphabet[randInt(len(wsAcceptAlphabet))]
	}
	if pad := randInt(3); pad > 0 {
		for i := 0; i < pad; i++ {
			buf[len(buf)-1-i] = '='
		}
	}
	return string(buf)
}

func randInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return int(v % uint32(n))
}
