package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

var (
	addrA = proto.MustParsePeerAddress("02:00:00:00:00:0A")
	addrB = proto.MustParsePeerAddress("94:B5:55:F6:F6:40")
)

type sent struct {
	to      proto.PeerAddress
	payload []byte
	tag     proto.Tag
}

// MockLink implements the LinkLayer interface for testing
type MockLink struct {
	mutex   sync.Mutex
	addr    proto.PeerAddress
	txLog   []sent
	sendErr func(n int) error
	onRecv  func(proto.PeerAddress, []byte)
	onDone  func(proto.SendResult)
	peers   []proto.PeerInfo
	inits   int
	initErr error
	regErr  error
	closed  bool
}

func NewMockLink(addr proto.PeerAddress) *MockLink {
	return &MockLink{addr: addr}
}

func (l *MockLink) Initialize(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.inits++
	return l.initErr
}

func (l *MockLink) LocalAddress() proto.PeerAddress { return l.addr }

func (l *MockLink) RegisterPeer(peer proto.PeerInfo) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.regErr != nil {
		return l.regErr
	}
	l.peers = append(l.peers, peer)
	return nil
}

func (l *MockLink) Send(to proto.PeerAddress, payload []byte, tag proto.Tag) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	n := len(l.txLog)
	// Make a copy to avoid data races
	dataCopy := make([]byte, len(payload))
	copy(dataCopy, payload)
	l.txLog = append(l.txLog, sent{to: to, payload: dataCopy, tag: tag})

	if l.sendErr != nil {
		return l.sendErr(n)
	}
	return nil
}

func (l *MockLink) OnReceive(cb func(proto.PeerAddress, []byte)) {
	l.mutex.Lock()
	l.onRecv = cb
	l.mutex.Unlock()
}

func (l *MockLink) OnSendComplete(cb func(proto.SendResult)) {
	l.mutex.Lock()
	l.onDone = cb
	l.mutex.Unlock()
}

func (l *MockLink) Close() error {
	l.mutex.Lock()
	l.closed = true
	l.mutex.Unlock()
	return nil
}

// Test helper methods
func (l *MockLink) GetTxLog() []sent {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]sent, len(l.txLog))
	copy(out, l.txLog)
	return out
}

func (l *MockLink) InjectRx(from proto.PeerAddress, payload []byte) {
	l.mutex.Lock()
	cb := l.onRecv
	l.mutex.Unlock()
	cb(from, payload)
}

func (l *MockLink) Complete(res proto.SendResult) {
	l.mutex.Lock()
	cb := l.onDone
	l.mutex.Unlock()
	cb(res)
}

func fixedClock(ms uint32) Clock { return ClockFunc(func() uint32 { return ms }) }

func decodeSent(t *testing.T, s sent) *proto.Message {
	t.Helper()
	msg, err := proto.DecodeMessage(s.payload)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	return msg
}

func TestTransmitter_SendOnce(t *testing.T) {
	link := NewMockLink(addrA)
	tx := NewTransmitter(link, TransmitterConfig{
		Peer:  addrB,
		Label: "Device_A",
		Clock: fixedClock(1234),
	}, zerolog.New(zerolog.NewTestWriter(t)))

	msg, err := tx.SendOnce()
	if err != nil {
		t.Fatalf("SendOnce() error = %v", err)
	}

	want := proto.Message{SenderLabel: "Device_A", Body: "Hello! This is message number 0", Sequence: 0, TimestampMs: 1234}
	if msg != want {
		t.Errorf("SendOnce() = %+v, want %+v", msg, want)
	}

	txLog := link.GetTxLog()
	if len(txLog) != 1 {
		t.Fatalf("transmitted %d datagrams, want 1", len(txLog))
	}
	if txLog[0].to != addrB {
		t.Errorf("sent to %v, want %v", txLog[0].to, addrB)
	}
	if txLog[0].tag != (proto.Tag{Origin: proto.OriginPeriodic, Sequence: 0}) {
		t.Errorf("tag = %v", txLog[0].tag)
	}
	if got := decodeSent(t, txLog[0]); *got != want {
		t.Errorf("wire message = %+v, want %+v", *got, want)
	}
}

func TestTransmitter_SequenceNumberIncrement(t *testing.T) {
	link := NewMockLink(addrA)
	tx := NewTransmitter(link, TransmitterConfig{Peer: addrB, Label: "Device_A"}, zerolog.Nop())

	const n = 25
	for i := 0; i < n; i++ {
		if tx.Next() != int32(i) {
			t.Fatalf("Next() = %d before send %d", tx.Next(), i)
		}
		if _, err := tx.SendOnce(); err != nil {
			t.Fatalf("SendOnce() error = %v", err)
		}
	}

	for i, s := range link.GetTxLog() {
		msg := decodeSent(t, s)
		if msg.Sequence != int32(i) {
			t.Errorf("send %d carried sequence %d", i, msg.Sequence)
		}
		if s.tag.Sequence != msg.Sequence {
			t.Errorf("tag %v does not match sequence %d", s.tag, msg.Sequence)
		}
		if want := fmt.Sprintf("Hello! This is message number %d", i); msg.Body != want {
			t.Errorf("body = %q, want %q", msg.Body, want)
		}
	}
}

func TestTransmitter_FailureDoesNotAffectNextSend(t *testing.T) {
	link := NewMockLink(addrA)
	link.sendErr = func(n int) error {
		if n == 1 {
			return errors.New("queue full")
		}
		return nil
	}
	tx := NewTransmitter(link, TransmitterConfig{Peer: addrB, Label: "Device_A", Clock: fixedClock(7)}, zerolog.Nop())
	obs := NewObserver(zerolog.Nop(), nil)
	link.OnSendComplete(obs.HandleResult)

	first, _ := tx.SendOnce()
	if _, err := tx.SendOnce(); !errors.Is(err, proto.ErrSendFailure) {
		t.Fatalf("SendOnce() error = %v, want ErrSendFailure", err)
	}
	// asynchronous failure of the first send
	link.Complete(proto.SendResult{Peer: addrB, Tag: proto.Tag{Origin: proto.OriginPeriodic, Sequence: first.Sequence}, Status: proto.SendFailure})

	third, err := tx.SendOnce()
	if err != nil {
		t.Fatalf("SendOnce() error = %v", err)
	}

	want := proto.Message{SenderLabel: "Device_A", Body: "Hello! This is message number 2", Sequence: 2, TimestampMs: 7}
	if third != want {
		t.Errorf("third send = %+v, want %+v", third, want)
	}
	if got := len(link.GetTxLog()); got != 3 {
		t.Errorf("transmitted %d datagrams, want 3 (no retry)", got)
	}
	if got := obs.Stats()[proto.OriginPeriodic].Failed; got != 1 {
		t.Errorf("observed failures = %d, want 1", got)
	}
}

func TestTransmitter_TruncatesLongLabel(t *testing.T) {
	link := NewMockLink(addrA)
	tx := NewTransmitter(link, TransmitterConfig{Peer: addrB, Label: strings.Repeat("x", 200), Template: strings.Repeat("y", 300) + "%d"}, zerolog.Nop())

	msg, err := tx.SendOnce()
	if err != nil {
		t.Fatalf("SendOnce() error = %v", err)
	}
	if len(msg.SenderLabel) != proto.MaxLabelLen || len(msg.Body) != proto.MaxBodyLen {
		t.Errorf("lengths = %d/%d, want %d/%d", len(msg.SenderLabel), len(msg.Body), proto.MaxLabelLen, proto.MaxBodyLen)
	}
	if got := decodeSent(t, link.GetTxLog()[0]); *got != msg {
		t.Errorf("wire message = %+v, want %+v", *got, msg)
	}
}

func TestTransmitter_RunStopsOnCancel(t *testing.T) {
	link := NewMockLink(addrA)
	tx := NewTransmitter(link, TransmitterConfig{Peer: addrB, Label: "Device_A", Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tx.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(link.GetTxLog()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	n := len(link.GetTxLog())
	if n < 3 {
		t.Fatalf("sent %d messages, want at least 3", n)
	}
	time.Sleep(20 * time.Millisecond)
	if len(link.GetTxLog()) != n {
		t.Error("transmitter kept sending after Run returned")
	}
}

func TestReceiver_RepliesWithEchoedSequence(t *testing.T) {
	for _, seq := range []int32{0, 1, 41, -5, 1<<31 - 1} {
		t.Run(fmt.Sprint(seq), func(t *testing.T) {
			link := NewMockLink(addrB)
			rx := NewReceiver(link, ReceiverConfig{Label: "Device_B", Delay: -1, Clock: fixedClock(99)}, zerolog.Nop())

			in := proto.Message{SenderLabel: "Device_A", Body: "hi", Sequence: seq, TimestampMs: 5}
			if err := rx.HandleDatagram(context.Background(), addrA, proto.EncodeMessage(&in)); err != nil {
				t.Fatalf("HandleDatagram() error = %v", err)
			}

			txLog := link.GetTxLog()
			if len(txLog) != 1 {
				t.Fatalf("sent %d replies, want 1", len(txLog))
			}
			if txLog[0].to != addrA {
				t.Errorf("reply sent to %v, want %v", txLog[0].to, addrA)
			}
			reply := decodeSent(t, txLog[0])
			want := proto.Message{SenderLabel: "Device_B", Body: fmt.Sprintf("Reply to message #%d - Thanks!", seq), Sequence: seq, TimestampMs: 99}
			if *reply != want {
				t.Errorf("reply = %+v, want %+v", *reply, want)
			}
			if txLog[0].tag != (proto.Tag{Origin: proto.OriginReply, Sequence: seq}) {
				t.Errorf("tag = %v", txLog[0].tag)
			}
		})
	}
}

func TestReceiver_DropsMalformed(t *testing.T) {
	link := NewMockLink(addrB)
	var buf bytes.Buffer
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_B"}, zerolog.New(&buf))

	for _, n := range []int{0, 1, proto.MessageSize - 1, proto.MessageSize + 1, proto.MaxDatagramSize} {
		err := rx.HandleDatagram(context.Background(), addrA, make([]byte, n))
		if !errors.Is(err, proto.ErrMalformedPayload) {
			t.Errorf("HandleDatagram(%d bytes) error = %v, want ErrMalformedPayload", n, err)
		}
	}
	if got := len(link.GetTxLog()); got != 0 {
		t.Errorf("sent %d replies to malformed input, want 0", got)
	}
	if !strings.Contains(buf.String(), "dropping malformed payload") {
		t.Errorf("malformed drop not logged: %s", buf.String())
	}
}

func TestReceiver_PacingDelay(t *testing.T) {
	link := NewMockLink(addrB)
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_B", Delay: 30 * time.Millisecond}, zerolog.Nop())

	in := proto.Message{Sequence: 3}
	start := time.Now()
	if err := rx.HandleDatagram(context.Background(), addrA, proto.EncodeMessage(&in)); err != nil {
		t.Fatalf("HandleDatagram() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("reply sent after %v, want at least 30ms", elapsed)
	}
	if len(link.GetTxLog()) != 1 {
		t.Error("reply not sent")
	}
}

func TestReceiver_CancelDuringDelay(t *testing.T) {
	link := NewMockLink(addrB)
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_B", Delay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	in := proto.Message{Sequence: 3}
	if err := rx.HandleDatagram(ctx, addrA, proto.EncodeMessage(&in)); !errors.Is(err, context.Canceled) {
		t.Errorf("HandleDatagram() error = %v, want context.Canceled", err)
	}
	if len(link.GetTxLog()) != 0 {
		t.Error("reply sent after cancellation")
	}
}

func TestReceiver_DispatchDoesNotBlock(t *testing.T) {
	link := NewMockLink(addrB)
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_B", Delay: 20 * time.Millisecond, Dispatch: true}, zerolog.Nop())

	in := proto.Message{Sequence: 8}
	start := time.Now()
	if err := rx.HandleDatagram(context.Background(), addrA, proto.EncodeMessage(&in)); err != nil {
		t.Fatalf("HandleDatagram() error = %v", err)
	}
	if time.Since(start) >= 20*time.Millisecond {
		t.Error("dispatched reply blocked the caller")
	}
	rx.Wait()
	if len(link.GetTxLog()) != 1 {
		t.Error("dispatched reply not sent")
	}
}

func TestReceiver_RepeatedSequencesAllAnswered(t *testing.T) {
	link := NewMockLink(addrB)
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_B"}, zerolog.Nop())

	in := proto.Message{Sequence: 4}
	for i := 0; i < 3; i++ {
		_ = rx.HandleDatagram(context.Background(), addrA, proto.EncodeMessage(&in))
	}
	if got := len(link.GetTxLog()); got != 3 {
		t.Errorf("sent %d replies, want 3 (no deduplication)", got)
	}
}

func TestReceiver_ListenOnlyLogsWithoutReplying(t *testing.T) {
	link := NewMockLink(addrA)
	var buf bytes.Buffer
	rx := NewReceiver(link, ReceiverConfig{Label: "Device_A", ListenOnly: true}, zerolog.New(&buf))

	in := proto.Message{SenderLabel: "Device_B", Body: "Reply to message #2 - Thanks!", Sequence: 2}
	if err := rx.HandleDatagram(context.Background(), addrB, proto.EncodeMessage(&in)); err != nil {
		t.Fatalf("HandleDatagram() error = %v", err)
	}
	if got := len(link.GetTxLog()); got != 0 {
		t.Errorf("sent %d replies, want 0", got)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "message received" || entry["label"] != "Device_B" || entry["seq"] != float64(2) {
		t.Errorf("log entry = %v", entry)
	}
}

func TestObserver_AttributesResults(t *testing.T) {
	var buf bytes.Buffer
	obs := NewObserver(zerolog.New(&buf), nil)

	obs.HandleResult(proto.SendResult{Peer: addrB, Tag: proto.Tag{Origin: proto.OriginPeriodic, Sequence: 4}, Status: proto.SendSuccess})
	obs.HandleResult(proto.SendResult{Peer: addrB, Tag: proto.Tag{Origin: proto.OriginReply, Sequence: 4}, Status: proto.SendFailure, Err: proto.ErrTimeout})

	stats := obs.Stats()
	if stats[proto.OriginPeriodic] != (DeliveryStats{Delivered: 1}) {
		t.Errorf("periodic stats = %+v", stats[proto.OriginPeriodic])
	}
	if stats[proto.OriginReply] != (DeliveryStats{Failed: 1}) {
		t.Errorf("reply stats = %+v", stats[proto.OriginReply])
	}
	last, ok := obs.Last()
	if !ok || last.Tag.Origin != proto.OriginReply {
		t.Errorf("Last() = %+v, %v", last, ok)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("logged %d lines, want 2", len(lines))
	}
	var entry struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Origin  string `json:"origin"`
		Seq     int32  `json:"seq"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry.Level != "error" || entry.Message != "delivery failed" || entry.Origin != "reply" || entry.Seq != 4 || entry.Error == "" {
		t.Errorf("failure log = %+v", entry)
	}
}
