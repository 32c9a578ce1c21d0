package serialport

import "testing"

func TestLoopbackPairRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair()
	a.Open()
	b.Open()
	defer a.Close()
	defer b.Close()

	msg := []byte{0x07, 0x03, 0x00, 0x0B}
	if _, err := a.Write(msg); err != nil {
		t.Fatalf("a.Write: %v", err)
	}

	buf := make([]byte, len(msg))
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("b.Read: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("b.Read returned %d bytes, want %d", n, len(msg))
	}
	for i := range msg {
		if buf[i] != msg[i] {
			t.Errorf("buf[%d] = %02X, want %02X", i, buf[i], msg[i])
		}
	}
}

func TestNoOutputIsNoop(t *testing.T) {
	var out DigitalOutput = NoOutput{}
	if err := out.Set(true); err != nil {
		t.Errorf("NoOutput.Set(true) = %v, want nil", err)
	}
	if err := out.Set(false); err != nil {
		t.Errorf("NoOutput.Set(false) = %v, want nil", err)
	}
}
