// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/flagsync/flagsync/internal/status"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialer(t *testing.T) {
	g := gomega.NewWithT(t)

	received := make(chan string, 1)
	closeCodes := make(chan int, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "ok" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		if err := c.WriteMessage(websocket.TextMessage, pingMessage); err != nil {
			return
		}
		_, _, err = c.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closeCodes <- ce.Code
		}
	}))
	defer srv.Close()

	d := &WebsocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.Dial(ctx, wsURL(srv)+"?token=bad", nil)
	var ce *CloseError
	g.Expect(errors.As(err, &ce)).To(gomega.BeTrue())
	g.Expect(ce.Code).To(gomega.Equal(CloseRequestInvalid))

	conn, err := d.Dial(ctx, wsURL(srv)+"?token=ok", nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	g.Expect(conn.WriteMessage(resumeMessage(7))).To(gomega.Succeed())
	g.Eventually(received).Should(gomega.Receive(gomega.Equal(string(resumeMessage(7)))))

	msg, err := conn.ReadMessage()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(msg).To(gomega.Equal(pingMessage))

	g.Expect(conn.Close(CloseDataApplyFailed, "resync")).To(gomega.Succeed())
	g.Eventually(closeCodes).Should(gomega.Receive(gomega.Equal(CloseDataApplyFailed)))
}

func TestWebsocketServerClose(t *testing.T) {
	g := gomega.NewWithT(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseRequestInvalid, "bad secret"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(srv), nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer conn.Close(CloseNormal, "")

	_, err = conn.ReadMessage()
	var ce *CloseError
	g.Expect(errors.As(err, &ce)).To(gomega.BeTrue())
	g.Expect(ce.Code).To(gomega.Equal(CloseRequestInvalid))
	g.Expect(ce.Reason).To(gomega.Equal("bad secret"))
}

func TestWebsocketDroppedConnection(t *testing.T) {
	g := gomega.NewWithT(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// No close frame.
		c.UnderlyingConn().Close()
	}))
	defer srv.Close()

	conn, err := (&WebsocketDialer{}).Dial(context.Background(), wsURL(srv), nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer conn.Close(CloseNormal, "")

	_, err = conn.ReadMessage()
	var ce *CloseError
	g.Expect(errors.As(err, &ce)).To(gomega.BeFalse())
	g.Expect(errorKind(err)).To(gomega.Equal(status.ErrorKindWebsocket))
}

func TestWebsocketWriteTimeout(t *testing.T) {
	g := gomega.NewWithT(t)

	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		// Never read, so the client's socket buffers fill up.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	conn, err := (&WebsocketDialer{WriteTimeout: 100 * time.Millisecond}).Dial(context.Background(), wsURL(srv), nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer conn.Close(CloseNormal, "")

	payload := make([]byte, 1<<20)
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 1000; i++ {
			if err := conn.WriteMessage(payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	var werr error
	g.Eventually(done, 10*time.Second).Should(gomega.Receive(&werr))
	g.Expect(werr).To(gomega.HaveOccurred())
	g.Expect(errorKind(werr)).To(gomega.Equal(status.ErrorKindWebsocket))
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want status.ErrorKind
	}{
		{"premature eof", io.ErrUnexpectedEOF, status.ErrorKindWebsocket},
		{"bad handshake", websocket.ErrBadHandshake, status.ErrorKindWebsocket},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}, status.ErrorKindWebsocket},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, status.ErrorKindUnknown},
		{"eof", io.EOF, status.ErrorKindNetwork},
		{"wrapped eof", errors.Wrap(io.EOF, "reading"), status.ErrorKindNetwork},
		{"other", errors.New("boom"), status.ErrorKindUnknown},
		{"data", &DataError{Err: errors.New("bad json")}, status.ErrorKindDataInvalid},
		{"runtime", &RuntimeError{Err: errors.New("panic")}, status.ErrorKindRuntime},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			err := test.err
			var de *DataError
			var re *RuntimeError
			if !errors.As(err, &de) && !errors.As(err, &re) {
				err = classifyTransport(err)
			}
			if got := errorKind(err); got != test.want {
				t.Errorf("errorKind(%v) = %q, want %q", test.err, got, test.want)
			}
		})
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := (&WebsocketDialer{}).Dial(ctx, addr, nil)
	if err == nil {
		t.Fatal("dial to closed server succeeded")
	}
	if got := errorKind(err); got != status.ErrorKindNetwork {
		t.Errorf("errorKind = %q, want %q", got, status.ErrorKindNetwork)
	}
}
