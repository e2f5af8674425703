package transport_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/atomscat/softswitch-gateway/protocol"
	"github.com/atomscat/softswitch-gateway/transport"
)

// scriptedPeer plays the FreeSWITCH side of a net.Pipe.
type scriptedPeer struct {
	conn net.Conn
	r    *bufio.Reader
}

// expectCommand reads one command frame and returns its lines.
func (p *scriptedPeer) expectCommand() []string {
	var lines []string
	for {
		line, err := p.r.ReadString('\n')
		Expect(err).To(Succeed())

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func (p *scriptedPeer) send(frame string) {
	_, err := p.conn.Write([]byte(frame))
	Expect(err).To(Succeed())
}

func (p *scriptedPeer) close() {
	_ = p.conn.Close()
}

// testHandler surfaces callbacks as channels the specs can assert on.
type testHandler struct {
	connects    chan *protocol.EslEvent
	events      chan *protocol.EslEvent
	disconnects chan string
}

func newTestHandler() *testHandler {
	return &testHandler{
		connects:    make(chan *protocol.EslEvent, 16),
		events:      make(chan *protocol.EslEvent, 64),
		disconnects: make(chan string, 16),
	}
}

func (h *testHandler) OnConnect(ctx *transport.Context, event *protocol.EslEvent) {
	h.connects <- event
}

func (h *testHandler) HandleEslEvent(ctx *transport.Context, event *protocol.EslEvent) {
	h.events <- event
}

func (h *testHandler) HandleDisconnectNotice(remoteAddr string, ctx *transport.Context) {
	h.disconnects <- remoteAddr
}

func startConn(opts transport.Options) (*transport.Connection, *scriptedPeer) {
	local, remote := net.Pipe()

	conn := transport.NewConnection(context.Background(), local, opts)
	conn.Start()

	return conn, &scriptedPeer{conn: remote, r: bufio.NewReader(remote)}
}

func namedEvent(name string, extra ...string) string {
	var body strings.Builder
	fmt.Fprintf(&body, "Event-Name: %s\n", name)
	for i := 0; i+1 < len(extra); i += 2 {
		fmt.Fprintf(&body, "%s: %s\n", extra[i], extra[i+1])
	}
	return fmt.Sprintf("Content-Type: text/event-plain\nContent-Length: %d\n\n%s",
		body.Len(), body.String())
}

var _ = Describe("Connection", func() {
	var (
		handler *testHandler
		conn    *transport.Connection
		peer    *scriptedPeer
	)

	AfterEach(func() {
		if conn != nil {
			Expect(conn.Close()).To(Succeed())
		}
		if peer != nil {
			peer.close()
		}
	})

	Describe("inbound authentication", func() {
		It("answers auth/request with the password and becomes ready", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:     transport.ModeInbound,
				Password: "ClueCon",
				Handler:  handler,
				Log:      zap.NewNop(),
			})

			peer.send("Content-Type: auth/request\n\n")

			Expect(peer.expectCommand()).To(Equal([]string{"auth ClueCon"}))
			peer.send("Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

			Eventually(conn.State).Should(Equal(transport.StateReady))
		})

		It("subscribes with the configured filter after auth", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:        transport.ModeInbound,
				Password:    "ClueCon",
				EventFilter: "CHANNEL_ANSWER CHANNEL_HANGUP",
				Handler:     handler,
				Log:         zap.NewNop(),
			})

			peer.send("Content-Type: auth/request\n\n")
			Expect(peer.expectCommand()).To(Equal([]string{"auth ClueCon"}))
			peer.send("Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

			Expect(peer.expectCommand()).To(Equal([]string{"event plain CHANNEL_ANSWER CHANNEL_HANGUP"}))
			peer.send("Content-Type: command/reply\nReply-Text: +OK event listener enabled\n\n")

			Eventually(conn.State).Should(Equal(transport.StateReady))
		})

		It("tears down when the server rejects the password", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:     transport.ModeInbound,
				Password: "wrong",
				Handler:  handler,
				Log:      zap.NewNop(),
			})

			peer.send("Content-Type: auth/request\n\n")
			Expect(peer.expectCommand()).To(Equal([]string{"auth wrong"}))
			peer.send("Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.CloseCause(), protocol.ErrAuthFailed)).To(BeTrue())
		})
	})

	Describe("synchronous api calls", func() {
		startReady := func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})
		}

		It("resolves with the api/response body", func() {
			startReady()

			type result struct {
				msg *protocol.EslMessage
				err error
			}
			done := make(chan result, 1)

			go func() {
				msg, err := conn.SendApiCommand(context.Background(), "api status")
				done <- result{msg, err}
			}()

			Expect(peer.expectCommand()).To(Equal([]string{"api status"}))
			peer.send("Content-Type: api/response\nContent-Length: 6\n\nSTATUS")

			var res result
			Eventually(done).Should(Receive(&res))
			Expect(res.err).To(Succeed())
			Expect(res.msg.BodyString()).To(Equal("STATUS"))
		})

		It("matches replies to calls in submission order", func() {
			startReady()

			resA := make(chan string, 1)
			resB := make(chan string, 1)

			go func() {
				defer GinkgoRecover()
				msg, err := conn.SendApiCommand(context.Background(), "api A")
				Expect(err).To(Succeed())
				resA <- msg.BodyString()
			}()
			Expect(peer.expectCommand()).To(Equal([]string{"api A"}))

			go func() {
				defer GinkgoRecover()
				msg, err := conn.SendApiCommand(context.Background(), "api B")
				Expect(err).To(Succeed())
				resB <- msg.BodyString()
			}()
			Expect(peer.expectCommand()).To(Equal([]string{"api B"}))

			peer.send("Content-Type: api/response\nContent-Length: 1\n\na")
			peer.send("Content-Type: api/response\nContent-Length: 1\n\nb")

			Eventually(resA).Should(Receive(Equal("a")))
			Eventually(resB).Should(Receive(Equal("b")))
		})

		It("fails with Timeout, drops the late reply, and keeps correlating", func() {
			startReady()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				_, err := conn.SendApiCommand(ctx, "api slow")
				errCh <- err
			}()
			Expect(peer.expectCommand()).To(Equal([]string{"api slow"}))

			var err error
			Eventually(errCh).Should(Receive(&err))
			Expect(errors.Is(err, protocol.ErrTimeout)).To(BeTrue())

			resB := make(chan string, 1)
			go func() {
				defer GinkgoRecover()
				msg, err := conn.SendApiCommand(context.Background(), "api next")
				Expect(err).To(Succeed())
				resB <- msg.BodyString()
			}()
			Expect(peer.expectCommand()).To(Equal([]string{"api next"}))

			// The late reply consumes the timed-out call's slot.
			peer.send("Content-Type: api/response\nContent-Length: 4\n\nlate")
			peer.send("Content-Type: api/response\nContent-Length: 4\n\nnext")

			Eventually(resB).Should(Receive(Equal("next")))
		})
	})

	Describe("background jobs", func() {
		const jobUUID = "11111111-1111-1111-1111-111111111111"

		startReady := func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})
		}

		replyWithJob := func(uuid string) string {
			return fmt.Sprintf("Content-Type: command/reply\nReply-Text: +OK Job-UUID: %s\nJob-UUID: %s\n\n", uuid, uuid)
		}

		It("completes the job future with the BACKGROUND_JOB event and keeps it from the listener", func() {
			startReady()

			go func() {
				defer GinkgoRecover()
				Expect(peer.expectCommand()).To(Equal([]string{"bgapi originate sofia/gw/x 1000"}))
				peer.send(replyWithJob(jobUUID))
			}()

			job, err := conn.SendBackgroundApiCommand(context.Background(), "originate sofia/gw/x 1000")
			Expect(err).To(Succeed())
			Expect(job.UUID).To(Equal(jobUUID))

			peer.send(namedEvent("BACKGROUND_JOB", "Job-UUID", jobUUID))

			event, err := job.Wait(context.Background())
			Expect(err).To(Succeed())
			Expect(event.JobUUID()).To(Equal(jobUUID))

			Consistently(handler.events).ShouldNot(Receive())
		})

		It("returns the Job-UUID synchronously and delivers the event to the listener", func() {
			startReady()

			go func() {
				defer GinkgoRecover()
				Expect(peer.expectCommand()).To(Equal([]string{"bgapi status"}))
				peer.send(replyWithJob(jobUUID))
			}()

			uuid, err := conn.SendAsyncApiCommand(context.Background(), "status")
			Expect(err).To(Succeed())
			Expect(uuid).To(Equal(jobUUID))

			peer.send(namedEvent("BACKGROUND_JOB", "Job-UUID", jobUUID))

			var event *protocol.EslEvent
			Eventually(handler.events).Should(Receive(&event))
			Expect(event.Name()).To(Equal("BACKGROUND_JOB"))
		})

		It("fails a bgapi whose reply lacks the Job-UUID header", func() {
			startReady()

			go func() {
				defer GinkgoRecover()
				peer.expectCommand()
				peer.send("Content-Type: command/reply\nReply-Text: +OK\n\n")
			}()

			_, err := conn.SendBackgroundApiCommand(context.Background(), "originate x")
			Expect(errors.Is(err, protocol.ErrMissingJobUUID)).To(BeTrue())
		})

		It("rejects a duplicate Job-UUID registration", func() {
			startReady()

			go func() {
				defer GinkgoRecover()
				peer.expectCommand()
				peer.send(replyWithJob(jobUUID))
				peer.expectCommand()
				peer.send(replyWithJob(jobUUID))
			}()

			_, err := conn.SendBackgroundApiCommand(context.Background(), "originate a")
			Expect(err).To(Succeed())

			_, err = conn.SendBackgroundApiCommand(context.Background(), "originate b")
			Expect(errors.Is(err, protocol.ErrDuplicateJobID)).To(BeTrue())
		})
	})

	Describe("event delivery", func() {
		It("delivers events in wire arrival order", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})

			for i := 0; i < 5; i++ {
				peer.send(namedEvent("CHANNEL_PROGRESS", "Sequence", fmt.Sprintf("%d", i)))
			}

			for i := 0; i < 5; i++ {
				var event *protocol.EslEvent
				Eventually(handler.events).Should(Receive(&event))
				Expect(event.Header("Sequence")).To(Equal(fmt.Sprintf("%d", i)))
			}
		})
	})

	Describe("outbound mode", func() {
		It("sends connect and hands the promoted reply to OnConnect", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeOutbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})

			Expect(peer.expectCommand()).To(Equal([]string{"connect"}))
			peer.send("Content-Type: command/reply\nReply-Text: +OK\nUnique-ID: abcd\nChannel-Name: sofia/internal/1000\n\n")

			var event *protocol.EslEvent
			Eventually(handler.connects).Should(Receive(&event))
			Expect(event.IsReplyEvent()).To(BeTrue())
			Expect(event.Header("Unique-ID")).To(Equal("abcd"))
			Expect(event.Header("Channel-Name")).To(Equal("sofia/internal/1000"))

			Eventually(conn.State).Should(Equal(transport.StateReady))
		})
	})

	Describe("idle keepalive", func() {
		It("probes with bgapi status and keeps the probe job from the listener", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:        transport.ModeInbound,
				IdleTimeout: 50 * time.Millisecond,
				Handler:     handler,
				Log:         zap.NewNop(),
			})

			Expect(peer.expectCommand()).To(Equal([]string{"bgapi status"}))
			peer.send("Content-Type: command/reply\nReply-Text: +OK Job-UUID: feed\nJob-UUID: feed\n\n")

			// Give the probe future time to record its Job-UUID.
			time.Sleep(50 * time.Millisecond)
			peer.send(namedEvent("BACKGROUND_JOB", "Job-UUID", "feed"))

			Consistently(handler.events).ShouldNot(Receive())
		})
	})

	Describe("teardown", func() {
		It("fails every pending call when the peer goes away", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})

			errCh := make(chan error, 1)
			go func() {
				_, err := conn.SendApiCommand(context.Background(), "api status")
				errCh <- err
			}()
			Expect(peer.expectCommand()).To(Equal([]string{"api status"}))

			peer.close()

			var err error
			Eventually(errCh).Should(Receive(&err))
			Expect(errors.Is(err, protocol.ErrConnectionClosed)).To(BeTrue())

			Eventually(handler.disconnects).Should(Receive())
			Eventually(conn.State).Should(Equal(transport.StateClosed))
		})

		It("invokes the disconnect handler on a disconnect notice", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})

			peer.send("Content-Type: text/disconnect-notice\nContent-Length: 18\n\nDisconnected, bye.")

			Eventually(handler.disconnects).Should(Receive())
			Eventually(conn.Done()).Should(BeClosed())
		})

		It("rejects new commands once closed", func() {
			handler = newTestHandler()
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: handler,
				Log:     zap.NewNop(),
			})

			Expect(conn.Close()).To(Succeed())

			_, err := conn.SendApiCommand(context.Background(), "api status")
			Expect(errors.Is(err, protocol.ErrConnectionClosed)).To(BeTrue())
		})

		It("isolates a panicking event handler from the pipeline", func() {
			panicking := &panicHandler{inner: newTestHandler()}
			conn, peer = startConn(transport.Options{
				Mode:    transport.ModeInbound,
				Handler: panicking,
				Log:     zap.NewNop(),
			})
			handler = panicking.inner

			peer.send(namedEvent("CHANNEL_ANSWER"))
			peer.send(namedEvent("CHANNEL_HANGUP"))

			var event *protocol.EslEvent
			Eventually(handler.events).Should(Receive(&event))
			Expect(event.Name()).To(Equal("CHANNEL_HANGUP"))
		})
	})
})

// panicHandler panics on the first event, then delegates.
type panicHandler struct {
	inner *testHandler
	seen  bool
}

func (h *panicHandler) HandleEslEvent(ctx *transport.Context, event *protocol.EslEvent) {
	if !h.seen {
		h.seen = true
		panic("broken listener")
	}
	h.inner.HandleEslEvent(ctx, event)
}

func (h *panicHandler) HandleDisconnectNotice(remoteAddr string, ctx *transport.Context) {
	h.inner.HandleDisconnectNotice(remoteAddr, ctx)
}
