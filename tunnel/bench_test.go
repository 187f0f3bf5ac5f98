package tunnel

import (
	"context"
	"io"
	"testing"
	"time"

	"ecstunnel/internal/session"
)

// BenchmarkBridge measures one-way throughput through a bridged session.
func BenchmarkBridge(b *testing.B) {
	payload := make([]byte, 32*1024) // 32 KiB
	for i := range payload {
		payload[i] = byte(i)
	}

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		client, local := tcpPair(b)
		chConn, remote := tcpPair(b)
		sess := session.New(context.Background(), local, "bench", nil)
		if err := sess.Attach(&tcpChannel{TCPConn: chConn}); err != nil {
			b.Fatal(err)
		}

		done := make(chan error, 1)
		go func() { done <- bridge(sess, nil, time.Second, nil) }()
		go func() {
			client.Write(payload) //nolint:errcheck
			client.CloseWrite()
		}()

		if _, err := io.Copy(io.Discard, remote); err != nil {
			b.Fatal(err)
		}
		remote.Close()
		<-done
	}
}
