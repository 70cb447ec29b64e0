package pairing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/peer"
)

type fakeSender struct {
	mu      sync.Mutex
	packets []codec.TxPacket
}

func (f *fakeSender) QueuePacket(pkt codec.TxPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, pkt)
	return nil
}

func (f *fakeSender) all() []codec.TxPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]codec.TxPacket, len(f.packets))
	copy(out, f.packets)
	return out
}

type nopRegistry struct{}

func (nopRegistry) AddPeer(codec.MAC, uint8) error { return nil }
func (nopRegistry) ModPeer(codec.MAC, uint8) error { return nil }
func (nopRegistry) DelPeer(codec.MAC) error        { return nil }

func newTable() *peer.Table {
	return peer.NewTable(peer.TableConfig{Registry: nopRegistry{}})
}

func leafManager(sender Sender, tbl *peer.Table) *Manager {
	return New(sender, tbl, clock.New(), Config{
		NodeID:              10,
		NodeType:            2,
		HeartbeatIntervalMs: 5000,
		DeviceName:          "bench-sensor",
	})
}

func hubManager(sender Sender, tbl *peer.Table) *Manager {
	return New(sender, tbl, clock.New(), Config{
		NodeID:   codec.NodeIDHub,
		NodeType: codec.NodeTypeHub,
		Channel:  func() uint8 { return 1 },
	})
}

func decodePair(t *testing.T, pkt codec.TxPacket) (codec.MessageHeader, []byte) {
	t.Helper()
	h, err := codec.DecodeHeader(pkt.Data)
	if err != nil {
		t.Fatal(err)
	}
	return h, codec.Payload(pkt.Data)
}

func TestLeaf_StartBroadcastsRequestImmediately(t *testing.T) {
	sender := &fakeSender{}
	m := leafManager(sender, newTable())

	if err := m.Start(time.Minute); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	pkts := sender.all()
	if len(pkts) != 1 {
		t.Fatalf("queued = %d, want immediate request", len(pkts))
	}
	if !pkts[0].DestMAC.IsBroadcast() {
		t.Error("pair request must broadcast")
	}

	h, payload := decodePair(t, pkts[0])
	if h.MsgType != codec.MsgPairRequest {
		t.Errorf("type = %v", h.MsgType)
	}
	var req codec.PairRequest
	if err := req.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if req.HeartbeatIntervalMs != 5000 {
		t.Errorf("heartbeat interval = %d, want 5000", req.HeartbeatIntervalMs)
	}
}

func TestStart_RefusesWhileActive(t *testing.T) {
	m := leafManager(&fakeSender{}, newTable())
	if err := m.Start(time.Minute); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Start(time.Minute); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestLeaf_PeriodicResend(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := New(sender, tbl, clock.New(), Config{
		NodeID:         10,
		NodeType:       2,
		ResendInterval: 20 * time.Millisecond,
	})

	if err := m.Start(time.Minute); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sender.all()) >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("requests = %d, want periodic resends", len(sender.all()))
}

func TestLeaf_WindowTimesOut(t *testing.T) {
	m := leafManager(&fakeSender{}, newTable())
	if err := m.Start(30 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !m.IsActive() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pairing window never timed out")
}

func TestHub_AcceptsLeaf(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := hubManager(sender, tbl)

	if err := m.Start(time.Minute); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	leafMAC := codec.MAC{0xAA, 1, 2, 3, 4, 5}
	header := codec.MessageHeader{
		MsgType:      codec.MsgPairRequest,
		SenderNodeID: 10,
		SenderType:   2,
		DestNodeID:   codec.NodeIDHub,
	}
	req := codec.PairRequest{HeartbeatIntervalMs: 5000}
	m.HandlePairRequest(&header, &req, leafMAC)

	p, ok := tbl.Get(10)
	if !ok {
		t.Fatal("leaf not registered")
	}
	if p.Channel != 1 || p.HeartbeatIntervalMs != 5000 {
		t.Errorf("stored peer = %+v", p)
	}

	pkts := sender.all()
	if len(pkts) != 1 {
		t.Fatalf("responses = %d, want 1", len(pkts))
	}
	if pkts[0].DestMAC != leafMAC {
		t.Error("response not unicast to the leaf")
	}
	h, payload := decodePair(t, pkts[0])
	if h.MsgType != codec.MsgPairResponse || h.DestNodeID != 10 {
		t.Errorf("response header = %+v", h)
	}
	var resp codec.PairResponse
	if err := resp.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if resp.Status != codec.PairAccepted || resp.WifiChannel != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHub_RejectsOtherHub(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := hubManager(sender, tbl)
	m.Start(time.Minute)
	defer m.Stop()

	header := codec.MessageHeader{
		MsgType:      codec.MsgPairRequest,
		SenderNodeID: 2,
		SenderType:   codec.NodeTypeHub,
	}
	req := codec.PairRequest{}
	m.HandlePairRequest(&header, &req, codec.MAC{0xBB, 1, 2, 3, 4, 5})

	if tbl.Count() != 0 {
		t.Error("rejected hub must not enter the peer table")
	}

	pkts := sender.all()
	if len(pkts) != 1 {
		t.Fatalf("responses = %d, want 1", len(pkts))
	}
	var resp codec.PairResponse
	if err := resp.Unmarshal(codec.Payload(pkts[0].Data)); err != nil {
		t.Fatal(err)
	}
	if resp.Status != codec.PairRejectedNotAllowed {
		t.Errorf("status = %v, want REJECTED_NOT_ALLOWED", resp.Status)
	}
}

func TestHub_DropsRequestWhenInactive(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := hubManager(sender, tbl)

	header := codec.MessageHeader{MsgType: codec.MsgPairRequest, SenderNodeID: 10, SenderType: 2}
	req := codec.PairRequest{}
	m.HandlePairRequest(&header, &req, codec.MAC{1, 2, 3, 4, 5, 6})

	if len(sender.all()) != 0 || tbl.Count() != 0 {
		t.Error("inactive hub must ignore pair requests")
	}
}

func TestLeaf_AcceptanceStoresHubAndClosesWindow(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := leafManager(sender, tbl)

	var pairedWith codec.NodeID
	var pairedCh uint8
	m.cfg.OnPaired = func(hub codec.NodeID, ch uint8) { pairedWith, pairedCh = hub, ch }

	m.Start(time.Minute)

	hubMAC := codec.MAC{0xCC, 1, 2, 3, 4, 5}
	header := codec.MessageHeader{
		MsgType:      codec.MsgPairResponse,
		SenderNodeID: codec.NodeIDHub,
		SenderType:   codec.NodeTypeHub,
		DestNodeID:   10,
	}
	resp := codec.PairResponse{Status: codec.PairAccepted, WifiChannel: 1}
	m.HandlePairResponse(&header, &resp, hubMAC)

	if m.IsActive() {
		t.Error("window must close after acceptance")
	}
	p, ok := tbl.Get(codec.NodeIDHub)
	if !ok {
		t.Fatal("hub not stored")
	}
	if p.MAC != hubMAC || p.Channel != 1 {
		t.Errorf("stored hub = %+v", p)
	}
	if pairedWith != codec.NodeIDHub || pairedCh != 1 {
		t.Errorf("OnPaired(%d, %d), want (1, 1)", pairedWith, pairedCh)
	}
}

func TestLeaf_RejectionKeepsWindowOpen(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := leafManager(sender, tbl)
	m.Start(time.Minute)
	defer m.Stop()

	header := codec.MessageHeader{
		MsgType:      codec.MsgPairResponse,
		SenderNodeID: codec.NodeIDHub,
		SenderType:   codec.NodeTypeHub,
	}
	resp := codec.PairResponse{Status: codec.PairRejectedNotAllowed}
	m.HandlePairResponse(&header, &resp, codec.MAC{1, 2, 3, 4, 5, 6})

	if !m.IsActive() {
		t.Error("rejection must keep the window open")
	}
	if tbl.Count() != 0 {
		t.Error("rejection must not store a peer")
	}
}

func TestLeaf_DropsResponseWhenInactive(t *testing.T) {
	sender := &fakeSender{}
	tbl := newTable()
	m := leafManager(sender, tbl)

	header := codec.MessageHeader{MsgType: codec.MsgPairResponse, SenderNodeID: codec.NodeIDHub, SenderType: codec.NodeTypeHub}
	resp := codec.PairResponse{Status: codec.PairAccepted, WifiChannel: 1}
	m.HandlePairResponse(&header, &resp, codec.MAC{1, 2, 3, 4, 5, 6})

	if tbl.Count() != 0 {
		t.Error("inactive leaf must ignore pair responses")
	}
}
