package scanner

import (
	"testing"
	"time"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/device/notify"
	"github.com/kabili207/espnow-go/radio/stub"
)

func TestScan_SilentRadioSweepsAllChannels(t *testing.T) {
	r := stub.New()
	bits := notify.New()
	s := New(r, bits, Config{NodeID: 10, NodeType: 2})

	res := s.Scan(1)

	if res.HubFound {
		t.Error("hub found on a silent radio")
	}
	if res.Channel != 1 {
		t.Errorf("channel = %d, want start channel 1", res.Channel)
	}

	log := r.ChannelLog()
	if len(log) != 13 {
		t.Fatalf("SetChannel called %d times, want 13", len(log))
	}
	for i, ch := range log {
		want := uint8(i%13) + 1
		if ch != want {
			t.Errorf("sweep position %d tuned channel %d, want %d", i, ch, want)
		}
	}

	// Two probe broadcasts per channel.
	sent := r.Sent()
	if len(sent) != 13*ChannelAttempts {
		t.Errorf("probes sent = %d, want %d", len(sent), 13*ChannelAttempts)
	}
	for _, f := range sent {
		if !f.Dest.IsBroadcast() {
			t.Fatal("probe not broadcast")
		}
		h, err := codec.DecodeHeader(f.Data)
		if err != nil {
			t.Fatal(err)
		}
		if h.MsgType != codec.MsgChannelScanProbe {
			t.Fatalf("probe type = %v", h.MsgType)
		}
	}
}

func TestScan_SignalOnThirdChannel(t *testing.T) {
	r := stub.New()
	bits := notify.New()
	s := New(r, bits, Config{NodeID: 10, NodeType: 2})

	r.OnSend = func(f stub.SentFrame) {
		if f.Channel == 3 {
			bits.Post(notify.HubFound)
		}
	}

	res := s.Scan(1)

	if !res.HubFound {
		t.Fatal("hub not found")
	}
	if res.Channel != 3 {
		t.Errorf("channel = %d, want 3", res.Channel)
	}
	if got := len(r.ChannelLog()); got != 3 {
		t.Errorf("SetChannel called %d times, want 3", got)
	}
}

func TestScan_WrapsAroundFromStart(t *testing.T) {
	r := stub.New()
	bits := notify.New()
	s := New(r, bits, Config{NodeID: 10, NodeType: 2})

	r.OnSend = func(f stub.SentFrame) {
		if f.Channel == 2 {
			bits.Post(notify.LinkAlive)
		}
	}

	res := s.Scan(12)

	if !res.HubFound || res.Channel != 2 {
		t.Fatalf("result = %+v, want hub on channel 2", res)
	}
	// 12, 13, 1, 2
	want := []uint8{12, 13, 1, 2}
	log := r.ChannelLog()
	if len(log) != len(want) {
		t.Fatalf("channel log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("channel log = %v, want %v", log, want)
			break
		}
	}
}

func TestScan_InvalidStartTreatedAsOne(t *testing.T) {
	r := stub.New()
	bits := notify.New()
	s := New(r, bits, Config{NodeID: 10, NodeType: 2})

	s.Scan(0)
	if log := r.ChannelLog(); len(log) == 0 || log[0] != 1 {
		t.Errorf("sweep from invalid start began at %v, want 1", log)
	}

	r2 := stub.New()
	s2 := New(r2, notify.New(), Config{NodeID: 10, NodeType: 2})
	s2.Scan(14)
	if log := r2.ChannelLog(); len(log) == 0 || log[0] != 1 {
		t.Errorf("sweep from channel 14 began at %v, want 1", log)
	}
}

func TestScan_TimeBudgetAborts(t *testing.T) {
	r := stub.New()
	bits := notify.New()
	s := New(r, bits, Config{NodeID: 10, NodeType: 2})

	// Pretend each nowFn reading jumps past the budget after the first
	// channel.
	base := time.Now()
	calls := 0
	s.nowFn = func() time.Time {
		calls++
		if calls > 1 {
			return base.Add(MaxScanTime + time.Second)
		}
		return base
	}

	res := s.Scan(1)

	if res.HubFound {
		t.Error("no hub should be found")
	}
	if got := len(r.ChannelLog()); got >= 13 {
		t.Errorf("sweep visited %d channels, want early abort", got)
	}
}
