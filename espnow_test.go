package espnow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/radio/stub"
)

// ether links stub radios so frames sent by one arrive at the others
// when they are tuned to the same channel and addressed appropriately.
type ether struct {
	mu    sync.Mutex
	nodes []*etherNode
}

type etherNode struct {
	mac   codec.MAC
	radio *stub.Radio
}

func (e *ether) attach(mac codec.MAC) *stub.Radio {
	r := stub.New()
	node := &etherNode{mac: mac, radio: r}

	e.mu.Lock()
	e.nodes = append(e.nodes, node)
	e.mu.Unlock()

	r.OnSend = func(f stub.SentFrame) {
		e.mu.Lock()
		peers := make([]*etherNode, len(e.nodes))
		copy(peers, e.nodes)
		e.mu.Unlock()

		for _, p := range peers {
			if p.radio == r {
				continue
			}
			ch, _ := p.radio.Channel()
			if ch != f.Channel {
				continue
			}
			if !f.Dest.IsBroadcast() && f.Dest != p.mac {
				continue
			}
			p.radio.Inject(codec.RxPacket{SrcMAC: mac, Data: f.Data, RSSI: -40})
		}
		r.CompleteSend(f.Dest, true)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var (
	hubMAC  = codec.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	leafMAC = codec.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A}
)

func startHub(t *testing.T, e *ether) (*Node, chan codec.RxPacket) {
	t.Helper()
	appQ := make(chan codec.RxPacket, 8)
	hub := New(e.attach(hubMAC), Config{
		NodeID:     codec.NodeIDHub,
		NodeType:   codec.NodeTypeHub,
		AppRxQueue: appQ,
	})
	if err := hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hub.Stop() })
	return hub, appQ
}

func startLeaf(t *testing.T, e *ether) (*Node, chan codec.RxPacket) {
	t.Helper()
	appQ := make(chan codec.RxPacket, 8)
	leaf := New(e.attach(leafMAC), Config{
		NodeID:            10,
		NodeType:          2,
		AppRxQueue:        appQ,
		HeartbeatInterval: 5 * time.Second,
	})
	if err := leaf.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { leaf.Stop() })
	return leaf, appQ
}

func TestNode_StartValidation(t *testing.T) {
	e := &ether{}

	n := New(e.attach(hubMAC), Config{NodeID: 1})
	if err := n.Start(context.Background()); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("missing app queue: err = %v, want ErrInvalidArg", err)
	}

	n2 := New(e.attach(leafMAC), Config{
		NodeID:     1,
		AppRxQueue: make(chan codec.RxPacket, 1),
	})
	if err := n2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer n2.Stop()

	if err := n2.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double start: err = %v, want ErrInvalidState", err)
	}
	if !n2.IsRunning() {
		t.Error("node should be running")
	}
}

// brokenRegistryRadio fails broadcast-peer registration, simulating a
// driver failure after the radio is already tuned.
type brokenRegistryRadio struct {
	*stub.Radio
	failBroadcast bool
}

func (b *brokenRegistryRadio) AddPeer(mac codec.MAC, channel uint8) error {
	if b.failBroadcast && mac.IsBroadcast() {
		return errors.New("driver rejected broadcast peer")
	}
	return b.Radio.AddPeer(mac, channel)
}

func TestNode_PartialInitFailureTearsDown(t *testing.T) {
	r := &brokenRegistryRadio{Radio: stub.New(), failBroadcast: true}
	n := New(r, Config{
		NodeID:     10,
		NodeType:   2,
		AppRxQueue: make(chan codec.RxPacket, 1),
	})

	if err := n.Start(context.Background()); !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
	if n.IsRunning() {
		t.Error("node must not be running after a failed start")
	}

	// The failed start left a clean state: once the driver recovers,
	// starting again succeeds.
	r.failBroadcast = false
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("restart after recovery: %v", err)
	}
	defer n.Stop()
	if !n.IsRunning() {
		t.Error("node should be running after recovery")
	}
}

func TestNode_APIRequiresStart(t *testing.T) {
	n := New(stub.New(), Config{NodeID: 10, AppRxQueue: make(chan codec.RxPacket, 1)})

	if err := n.SendData(1, 0, nil, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendData: %v", err)
	}
	if err := n.ConfirmReception(codec.AckOK); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ConfirmReception: %v", err)
	}
	if err := n.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop: %v", err)
	}
}

func TestPairing_LeafJoinsHub(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)
	leaf, _ := startLeaf(t, e)

	if err := hub.StartPairing(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := leaf.StartPairing(5 * time.Second); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "hub to register the leaf", func() bool {
		for _, p := range hub.Peers() {
			if p.NodeID == 10 {
				return true
			}
		}
		return false
	})
	waitFor(t, "leaf to store the hub", func() bool {
		for _, p := range leaf.Peers() {
			if p.NodeID == codec.NodeIDHub {
				return true
			}
		}
		return false
	})

	hubPeer := leaf.Peers()[0]
	if hubPeer.MAC != hubMAC {
		t.Errorf("stored hub mac = %v, want %v", hubPeer.MAC, hubMAC)
	}
	if hubPeer.Channel != 1 {
		t.Errorf("stored hub channel = %d, want 1", hubPeer.Channel)
	}
}

func TestPairing_SecondStartIsInvalidState(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)

	if err := hub.StartPairing(time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := hub.StartPairing(time.Minute); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestSendData_UnknownPeer(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)

	if err := hub.SendData(42, 1, []byte("x"), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSendData_OversizedPayload(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)
	hub.AddPeer(10, leafMAC[:], 1, 2)

	err := hub.SendData(10, 1, make([]byte, codec.MaxPayloadSize+1), false)
	if !errors.Is(err, ErrInvalidArg) {
		t.Errorf("err = %v, want ErrInvalidArg", err)
	}
}

func TestAddPeer_Validation(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)

	if err := hub.AddPeer(10, nil, 1, 2); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("nil mac: err = %v, want ErrInvalidArg", err)
	}
	if err := hub.AddPeer(10, leafMAC[:], 0, 2); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("bad channel: err = %v, want ErrInvalidArg", err)
	}
	if err := hub.RemovePeer(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove unknown: err = %v, want ErrNotFound", err)
	}
}

func TestDataDelivery_WithLogicalAck(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)
	leaf, leafApp := startLeaf(t, e)

	if err := hub.AddPeer(10, leafMAC[:], 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := leaf.AddPeer(codec.NodeIDHub, hubMAC[:], 1, codec.NodeTypeHub); err != nil {
		t.Fatal(err)
	}

	if err := hub.SendData(10, 7, []byte("hello"), true); err != nil {
		t.Fatal(err)
	}

	var delivered codec.RxPacket
	select {
	case delivered = <-leafApp:
	case <-time.After(3 * time.Second):
		t.Fatal("leaf never received the DATA frame")
	}

	h, err := codec.DecodeHeader(delivered.Data)
	if err != nil {
		t.Fatal(err)
	}
	if h.MsgType != codec.MsgData || !h.RequiresAck || h.PayloadType != 7 {
		t.Fatalf("delivered header = %+v", h)
	}
	if string(codec.Payload(delivered.Data)) != "hello" {
		t.Errorf("payload = %q", codec.Payload(delivered.Data))
	}

	// The leaf acknowledges; the hub's TX engine resolves its pending ack
	// and becomes free for the next packet.
	if err := leaf.ConfirmReception(codec.AckOK); err != nil {
		t.Fatal(err)
	}

	if err := hub.SendData(10, 8, []byte("next"), false); err != nil {
		t.Fatal(err)
	}
	select {
	case pkt := <-leafApp:
		h2, _ := codec.DecodeHeader(pkt.Data)
		if h2.PayloadType != 8 {
			t.Errorf("second payload type = %d, want 8", h2.PayloadType)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second DATA frame never arrived; ack did not release the engine")
	}

	// A second confirm has nothing captured.
	if err := leaf.ConfirmReception(codec.AckOK); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second confirm: err = %v, want ErrInvalidState", err)
	}
}

func TestConfirmReception_AckEchoesSequence(t *testing.T) {
	e := &ether{}
	hub, hubApp := startHub(t, e)
	leaf, leafApp := startLeaf(t, e)

	hub.AddPeer(10, leafMAC[:], 1, 2)
	leaf.AddPeer(codec.NodeIDHub, hubMAC[:], 1, codec.NodeTypeHub)

	if err := hub.SendData(10, 1, []byte("ping"), true); err != nil {
		t.Fatal(err)
	}

	var in codec.RxPacket
	select {
	case in = <-leafApp:
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery")
	}
	inHeader, _ := codec.DecodeHeader(in.Data)

	// Observe the ACK frame on the wire via the leaf's radio.
	leafRadio := func() *stub.Radio {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.nodes[1].radio
	}()

	if err := leaf.ConfirmReception(codec.AckErrorInvalidData); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "ack frame on the wire", func() bool {
		for _, f := range leafRadio.Sent() {
			if h, err := codec.DecodeHeader(f.Data); err == nil && h.MsgType == codec.MsgAck {
				var ack codec.Ack
				if err := ack.Unmarshal(codec.Payload(f.Data)); err != nil {
					continue
				}
				if ack.AckSequence != inHeader.SequenceNumber {
					t.Fatalf("ack_sequence = %d, want %d", ack.AckSequence, inHeader.SequenceNumber)
				}
				if h.DestNodeID != inHeader.SenderNodeID {
					t.Fatalf("ack dest = %d, want %d", h.DestNodeID, inHeader.SenderNodeID)
				}
				if ack.Status != codec.AckErrorInvalidData {
					t.Fatalf("ack status = %v", ack.Status)
				}
				return true
			}
		}
		return false
	})

	// The hub application queue stays empty; acks are protocol frames.
	select {
	case <-hubApp:
		t.Fatal("ack leaked into the hub application queue")
	default:
	}
}

func TestHeartbeat_HubTracksLeaf(t *testing.T) {
	e := &ether{}
	hub, _ := startHub(t, e)

	appQ := make(chan codec.RxPacket, 8)
	leaf := New(e.attach(leafMAC), Config{
		NodeID:            10,
		NodeType:          2,
		AppRxQueue:        appQ,
		HeartbeatInterval: 30 * time.Millisecond,
	})
	if err := leaf.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer leaf.Stop()

	// The hub knows the leaf; AddPeer registers it without a heartbeat
	// interval, so offline detection stays off for it.
	if err := hub.AddPeer(10, leafMAC[:], 1, 2); err != nil {
		t.Fatal(err)
	}
	leaf.AddPeer(codec.NodeIDHub, hubMAC[:], 1, codec.NodeTypeHub)

	var addedAt uint64
	for _, p := range hub.Peers() {
		if p.NodeID == 10 {
			addedAt = p.LastSeenMs
		}
	}

	waitFor(t, "hub to refresh the leaf's last-seen time", func() bool {
		for _, p := range hub.Peers() {
			if p.NodeID == 10 && p.LastSeenMs > addedAt {
				return true
			}
		}
		return false
	})
}
