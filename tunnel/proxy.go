package tunnel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ecstunnel/internal/transport"
	"ecstunnel/util"
)

const (
	// maxHeadSize caps the proxy request line plus headers.
	maxHeadSize = 64 << 10

	connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"
)

var (
	errHeadTooLarge = errors.New("request head too large")
	errBadRequest   = errors.New("malformed proxy request")
)

// proxyRequest is the parsed head of one HTTP proxy request.
type proxyRequest struct {
	Method      string
	Destination transport.Destination
	Connect     bool
	// Prefix is written to the channel before relaying: the original
	// head for absolute-form requests, plus any bytes the client sent
	// past the head.
	Prefix []byte
}

// readProxyRequest reads a request head from r and extracts the
// destination from a CONNECT or absolute-form request line.
func readProxyRequest(r io.Reader) (*proxyRequest, error) {
	br := bufio.NewReaderSize(r, 4096)
	var head bytes.Buffer
	partial := false
	for {
		line, err := br.ReadSlice('\n')
		if head.Len()+len(line) > maxHeadSize {
			return nil, errHeadTooLarge
		}
		head.Write(line)
		if errors.Is(err, bufio.ErrBufferFull) {
			partial = true
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: truncated head", errBadRequest)
			}
			return nil, err
		}
		blank := !partial && len(bytes.TrimRight(line, "\r\n")) == 0
		partial = false
		if blank {
			break
		}
	}

	var extra []byte
	if n := br.Buffered(); n > 0 {
		extra, _ = br.Peek(n)
	}

	reqLine, _, _ := strings.Cut(head.String(), "\n")
	parts := strings.Fields(reqLine)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: %q", errBadRequest, strings.TrimSpace(reqLine))
	}
	method, target := parts[0], parts[1]

	req := &proxyRequest{Method: method}
	if method == http.MethodConnect {
		host, port, err := util.SplitHostPort(target)
		if err != nil {
			return nil, fmt.Errorf("%w: CONNECT %s: %v", errBadRequest, target, err)
		}
		req.Connect = true
		req.Destination = transport.Destination{Host: host, Port: port}
		req.Prefix = append([]byte(nil), extra...)
	} else {
		dest, err := absoluteDestination(target)
		if err != nil {
			return nil, err
		}
		req.Destination = dest
		req.Prefix = append(head.Bytes(), extra...)
	}
	if !transport.ValidHost(req.Destination.Host) {
		return nil, fmt.Errorf("%w: invalid host %q", errBadRequest, req.Destination.Host)
	}
	return req, nil
}

// absoluteDestination resolves "http://host[:port]/path" to host:port.
func absoluteDestination(target string) (transport.Destination, error) {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return transport.Destination{}, fmt.Errorf("%w: not an absolute-form target: %q", errBadRequest, target)
	}
	port := 80
	if strings.EqualFold(u.Scheme, "https") {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return transport.Destination{}, fmt.Errorf("%w: bad port in %q", errBadRequest, target)
		}
	}
	return transport.Destination{Host: u.Hostname(), Port: port}, nil
}

// writeProxyError answers a request the proxy could not serve.
func writeProxyError(w io.Writer, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errHeadTooLarge) {
		status = http.StatusRequestHeaderFieldsTooLarge
	}
	body := err.Error() + "\n"
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}
