package stream

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestSendReceive(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
	}()

	_, _, ok := receiver.Latest()
	test.That(t, ok, test.ShouldBeFalse)

	sender, err := NewSender(receiver.Addr().String(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, sender.Close(), test.ShouldBeNil)
	}()

	test.That(t, sender.SendJPEG([]byte("frame-one")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, _, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
	})
	frame, seq, _ := receiver.Latest()
	test.That(t, frame, test.ShouldResemble, []byte("frame-one"))
	test.That(t, seq, test.ShouldEqual, uint32(1))

	test.That(t, sender.SendJPEG([]byte("frame-two")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, seq, _ := receiver.Latest()
		test.That(tb, seq, test.ShouldEqual, uint32(2))
	})
	frame, _, _ = receiver.Latest()
	test.That(t, frame, test.ShouldResemble, []byte("frame-two"))
}

func TestOversizeFrameDropped(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
	}()

	sender, err := NewSender(receiver.Addr().String(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, sender.Close(), test.ShouldBeNil)
	}()

	test.That(t, sender.SendJPEG(make([]byte, MaxFrameSize+1)), test.ShouldBeNil)
	test.That(t, sender.SendJPEG([]byte("small")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		frame, _, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, frame, test.ShouldResemble, []byte("small"))
	})
	// the oversize frame still bumped the sequence before being dropped
	_, seq, _ := receiver.Latest()
	test.That(t, seq, test.ShouldEqual, uint32(1))
}

func TestBadPacketsIgnored(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
	}()

	conn, err := net.Dial("udp", receiver.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, conn.Close(), test.ShouldBeNil)
	}()

	// truncated packet and wrong magic, then a good one
	_, err = conn.Write([]byte{0x01})
	test.That(t, err, test.ShouldBeNil)
	bad := make([]byte, 12)
	binary.BigEndian.PutUint32(bad[0:4], 0xdeadbeef)
	_, err = conn.Write(bad)
	test.That(t, err, test.ShouldBeNil)

	good := make([]byte, 12)
	binary.BigEndian.PutUint32(good[0:4], frameMagic)
	binary.BigEndian.PutUint32(good[4:8], 7)
	copy(good[8:], "ok!!")
	_, err = conn.Write(good)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		frame, seq, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, seq, test.ShouldEqual, uint32(7))
		test.That(tb, frame, test.ShouldResemble, []byte("ok!!"))
	})
}

func TestReorderedFramesDropped(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
	}()

	conn, err := net.Dial("udp", receiver.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, conn.Close(), test.ShouldBeNil)
	}()

	send := func(seq uint32, payload string) {
		pkt := make([]byte, headerSize+len(payload))
		binary.BigEndian.PutUint32(pkt[0:4], frameMagic)
		binary.BigEndian.PutUint32(pkt[4:8], seq)
		copy(pkt[headerSize:], payload)
		_, err := conn.Write(pkt)
		test.That(t, err, test.ShouldBeNil)
	}

	send(5, "newer")
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, seq, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, seq, test.ShouldEqual, uint32(5))
	})

	// a reordered older datagram must not replace the newer frame
	send(3, "stale")
	time.Sleep(100 * time.Millisecond)
	frame, seq, ok := receiver.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, seq, test.ShouldEqual, uint32(5))
	test.That(t, frame, test.ShouldResemble, []byte("newer"))

	// newer frames still get through
	send(6, "next")
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		frame, seq, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, seq, test.ShouldEqual, uint32(6))
		test.That(tb, frame, test.ShouldResemble, []byte("next"))
	})
}

func TestSequenceWraparound(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
	}()

	conn, err := net.Dial("udp", receiver.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, conn.Close(), test.ShouldBeNil)
	}()

	pkt := make([]byte, headerSize+4)
	binary.BigEndian.PutUint32(pkt[0:4], frameMagic)
	binary.BigEndian.PutUint32(pkt[4:8], ^uint32(0))
	copy(pkt[headerSize:], "last")
	_, err = conn.Write(pkt)
	test.That(t, err, test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		_, seq, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, seq, test.ShouldEqual, ^uint32(0))
	})

	// the counter wrapping to zero still counts as newer
	binary.BigEndian.PutUint32(pkt[4:8], 0)
	copy(pkt[headerSize:], "wrap")
	_, err = conn.Write(pkt)
	test.That(t, err, test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		frame, seq, ok := receiver.Latest()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, seq, test.ShouldEqual, uint32(0))
		test.That(tb, frame, test.ShouldResemble, []byte("wrap"))
	})
}

func TestReceiverCloseIsPrompt(t *testing.T) {
	logger := golog.NewTestLogger(t)
	receiver, err := NewReceiver("127.0.0.1:0", logger)
	test.That(t, err, test.ShouldBeNil)

	done := make(chan struct{})
	go func() {
		test.That(t, receiver.Close(), test.ShouldBeNil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not close promptly")
	}
}
