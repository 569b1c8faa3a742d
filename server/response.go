package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// oneShotWriter buffers a single HTTP response.  The demux serves exactly
// one request per socket, so the status line, headers, Content-Length and
// Connection: close can all be emitted once the handler returns.
type oneShotWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newOneShotWriter() *oneShotWriter {
	return &oneShotWriter{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (w *oneShotWriter) Header() http.Header {
	return w.header
}

func (w *oneShotWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
}

func (w *oneShotWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.body.Write(p)
}

// finish writes the buffered response to the socket.
func (w *oneShotWriter) finish(out io.Writer) error {
	statusText := http.StatusText(w.status)
	if statusText == "" {
		statusText = "Status"
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", w.status, statusText)

	w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))
	w.header.Set("Connection", "close")
	if err := w.header.Write(&head); err != nil {
		return err
	}
	head.WriteString("\r\n")

	if _, err := out.Write(head.Bytes()); err != nil {
		return err
	}
	_, err := out.Write(w.body.Bytes())
	return err
}
