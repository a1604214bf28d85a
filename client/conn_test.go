package client_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/protocol"
)

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

var _ = Describe("Conn", func() {
	Describe("Dial", func() {
		It("fails when nothing is listening", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			addr := srv.Addr()
			srv.Close()

			_, err := client.Dial(ctx, addr, client.Options{})
			Expect(err).To(HaveOccurred())
		})

		It("authenticates before returning when a password is set", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startMiniRedis("sesame")
			defer srv.Close()

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{Password: "sesame"})
			Expect(err).To(Succeed())
			defer conn.Close()

			Expect(conn.Ping(ctx)).To(Succeed())
		})

		It("fails the whole dial when AUTH is rejected", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startMiniRedis("sesame")
			defer srv.Close()

			_, err := client.Dial(ctx, srv.Addr(), client.Options{Password: "wrong"})
			Expect(err).To(HaveOccurred())

			var serverErr *protocol.ServerError
			Expect(errors.As(err, &serverErr)).To(BeTrue())
		})
	})

	Describe("pipelining", func() {
		It("resolves handles strictly in send order", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			first := conn.Do("INCR", []byte("a"))
			second := conn.Do("INCR", []byte("a"))
			third := conn.Do("INCR", []byte("a"))

			commands := readFrames(sconn, 3)
			Expect(commands).To(HaveLen(3))

			// All three replies land in a single segment.
			_, err = sconn.Write([]byte(":1\r\n:2\r\n:3\r\n"))
			Expect(err).To(Succeed())

			for i, pending := range []*client.Pending{first, second, third} {
				v, werr := pending.Wait(ctx)
				Expect(werr).To(Succeed())
				Expect(v.Num).To(Equal(int64(i + 1)))
			}
		})

		It("dispatches replies while another caller's write is blocked", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			first := conn.Do("PING")

			// The server reads nothing, so a large enough payload jams
			// its writer once the kernel send buffers fill.
			huge := bytes.Repeat([]byte("x"), 64<<20)
			jammed := make(chan *client.Pending, 1)
			go func() {
				defer GinkgoRecover()
				jammed <- conn.Do("SET", []byte("big"), huge)
			}()

			Consistently(jammed, 200*time.Millisecond).ShouldNot(Receive(),
				"the large write should still be in flight")

			// The PING reply must reach its handle even though the
			// other writer is stuck mid-Write.
			_, err = sconn.Write([]byte("+PONG\r\n"))
			Expect(err).To(Succeed())

			v, werr := first.Wait(ctx)
			Expect(werr).To(Succeed())
			Expect(v.Text()).To(Equal("PONG"))

			// Closing the connection unblocks the stuck writer and
			// resolves its handle like any other outstanding command.
			Expect(conn.Close()).To(Succeed())

			var blocked *client.Pending
			Eventually(jammed, 5*time.Second).Should(Receive(&blocked))
			_, werr = blocked.Wait(ctx)
			Expect(werr).To(MatchError(client.ErrConnClosed))
		})

		It("surfaces a server error to its own command only", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			bad := conn.Do("NOPE")
			good := conn.Do("PING")

			readFrames(sconn, 2)
			_, err = sconn.Write([]byte("-ERR unknown command\r\n+PONG\r\n"))
			Expect(err).To(Succeed())

			_, werr := bad.Wait(ctx)
			var serverErr *protocol.ServerError
			Expect(errors.As(werr, &serverErr)).To(BeTrue())

			v, werr := good.Wait(ctx)
			Expect(werr).To(Succeed())
			Expect(v.Text()).To(Equal("PONG"))
		})
	})

	Describe("pub/sub isolation", func() {
		It("never misroutes interleaved message frames and replies", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			var (
				mu       sync.Mutex
				received []string
			)

			// Ack the subscribe from the server side.
			subscribed := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				readFrames(sconn, 1)
				_, werr := sconn.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
				Expect(werr).To(Succeed())
				close(subscribed)
			}()

			_, err = conn.Subscribe(ctx, []string{"ch"}, func(channel string, payload protocol.Value) {
				mu.Lock()
				received = append(received, payload.Text())
				mu.Unlock()
			})
			Expect(err).To(Succeed())
			<-subscribed

			first := conn.Do("INCR", []byte("n"))
			second := conn.Do("INCR", []byte("n"))
			readFrames(sconn, 2)

			// One segment: message, reply, message, reply.
			_, err = sconn.Write([]byte(
				"*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$3\r\none\r\n" +
					":1\r\n" +
					"*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$3\r\ntwo\r\n" +
					":2\r\n"))
			Expect(err).To(Succeed())

			v, werr := first.Wait(ctx)
			Expect(werr).To(Succeed())
			Expect(v.Num).To(Equal(int64(1)))

			v, werr = second.Wait(ctx)
			Expect(werr).To(Succeed())
			Expect(v.Num).To(Equal(int64(2)))

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), received...)
			}).Should(Equal([]string{"one", "two"}))
		})
	})

	Describe("desynchronisation", func() {
		It("fails the connection when a reply arrives with nothing outstanding", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			errCh := make(chan error, 8)

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{
				OnError: func(err error) { errCh <- err },
			})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			_, err = sconn.Write([]byte("+OK\r\n"))
			Expect(err).To(Succeed())

			var reported error
			Eventually(errCh).Should(Receive(&reported))
			Expect(errors.Is(reported, client.ErrDesync)).To(BeTrue())
			Expect(errors.Is(reported, protocol.ErrProtocol)).To(BeTrue())

			Eventually(conn.Done()).Should(BeClosed())

			// The connection is dead; new commands resolve immediately.
			_, err = conn.Do("PING").Wait(ctx)
			Expect(errors.Is(err, client.ErrDesync)).To(BeTrue())
		})
	})

	Describe("malformed frames", func() {
		It("fails the connection instead of resynchronising", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			errCh := make(chan error, 8)

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{
				OnError: func(err error) { errCh <- err },
			})
			Expect(err).To(Succeed())
			defer conn.Close()

			sconn := srv.accept()
			defer sconn.Close()

			pending := conn.Do("PING")
			readFrames(sconn, 1)

			_, err = sconn.Write([]byte("?garbage\r\n"))
			Expect(err).To(Succeed())

			_, werr := pending.Wait(ctx)
			Expect(errors.Is(werr, protocol.ErrProtocol)).To(BeTrue())

			var reported error
			Eventually(errCh).Should(Receive(&reported))
			Expect(errors.Is(reported, protocol.ErrProtocol)).To(BeTrue())
		})
	})

	Describe("connection failure", func() {
		It("resolves an outstanding command with a connection error exactly once", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			var errCount int32

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{
				OnError: func(error) { atomic.AddInt32(&errCount, 1) },
			})
			Expect(err).To(Succeed())

			sconn := srv.accept()

			pending := conn.Do("GET", []byte("hello"))
			readFrames(sconn, 1)

			// Kill the connection before the reply is sent.
			Expect(sconn.Close()).To(Succeed())

			_, werr := pending.Wait(ctx)
			Expect(errors.Is(werr, client.ErrConnClosed)).To(BeTrue())

			Eventually(conn.Done()).Should(BeClosed())
			Eventually(func() int32 { return atomic.LoadInt32(&errCount) }).Should(Equal(int32(1)))

			// Closing after the failure must not fire the callback again.
			Expect(conn.Close()).To(Succeed())
			Consistently(func() int32 { return atomic.LoadInt32(&errCount) }).Should(Equal(int32(1)))
		})
	})

	Describe("Close", func() {
		It("is idempotent and resolves outstanding commands without invoking OnError", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startScriptedServer()
			defer srv.Close()

			var errCount int32

			conn, err := client.Dial(ctx, srv.Addr(), client.Options{
				OnError: func(error) { atomic.AddInt32(&errCount, 1) },
			})
			Expect(err).To(Succeed())

			sconn := srv.accept()
			defer sconn.Close()

			pending := conn.Do("GET", []byte("hello"))
			readFrames(sconn, 1)

			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			_, werr := pending.Wait(ctx)
			Expect(errors.Is(werr, client.ErrConnClosed)).To(BeTrue())

			// Commands sent after close resolve immediately.
			_, werr = conn.Do("PING").Wait(ctx)
			Expect(errors.Is(werr, client.ErrConnClosed)).To(BeTrue())

			Consistently(func() int32 { return atomic.LoadInt32(&errCount) }).Should(Equal(int32(0)))
		})
	})

	Describe("independent connections", func() {
		It("keeps two connections fully isolated", func() {
			ctx, cancel := testCtx()
			defer cancel()

			srv := startMiniRedis("")
			defer srv.Close()

			first, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer first.Close()

			second, err := client.Dial(ctx, srv.Addr(), client.Options{})
			Expect(err).To(Succeed())
			defer second.Close()

			Expect(first.Set(ctx, "shared", []byte("v"))).To(Succeed())
			Expect(first.Close()).To(Succeed())

			// The second connection is unaffected by the first closing.
			value, ok, err := second.Get(ctx, "shared")
			Expect(err).To(Succeed())
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("v")))
		})
	})
})
