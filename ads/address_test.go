package ads

import "testing"

func TestParseNetworkId(t *testing.T) {
	tests := []struct {
		input   string
		want    NetworkId
		wantErr bool
	}{
		{"192.168.1.100.1.1", NetworkId{192, 168, 1, 100, 1, 1}, false},
		{"10.0.0.2.1.1", NetworkId{10, 0, 0, 2, 1, 1}, false},
		{"0.0.0.0.0.0", NetworkId{}, false},
		{"255.255.255.255.255.255", NetworkId{255, 255, 255, 255, 255, 255}, false},
		{"192.168.1.100", NetworkId{}, true},
		{"192.168.1.100.1.1.1", NetworkId{}, true},
		{"", NetworkId{}, true},
		{"a.b.c.d.e.f", NetworkId{}, true},
		{"256.0.0.0.0.0", NetworkId{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNetworkId(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNetworkId(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseNetworkId(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNetworkIdString(t *testing.T) {
	id := NetworkId{10, 0, 0, 2, 1, 1}
	if got := id.String(); got != "10.0.0.2.1.1" {
		t.Errorf("String() = %q, want %q", got, "10.0.0.2.1.1")
	}
}

func TestNetworkIdRoundTrip(t *testing.T) {
	for _, s := range []string{"10.0.0.2.1.1", "192.168.1.100.1.1", "0.0.0.0.0.0"} {
		id, err := ParseNetworkId(s)
		if err != nil {
			t.Fatalf("ParseNetworkId(%q): %v", s, err)
		}
		if id.String() != s {
			t.Errorf("round trip %q -> %v -> %q", s, id, id.String())
		}
	}
}

func TestNetworkIdIsZero(t *testing.T) {
	if !(NetworkId{}).IsZero() {
		t.Error("zero-value NetworkId should be IsZero")
	}
	if (NetworkId{1}).IsZero() {
		t.Error("non-zero NetworkId should not be IsZero")
	}
}

func TestNetworkIdFromIP(t *testing.T) {
	tests := []struct {
		input   string
		want    NetworkId
		wantErr bool
	}{
		{"192.168.1.100", NetworkId{192, 168, 1, 100, 1, 1}, false},
		{"192.168.1.100:48898", NetworkId{192, 168, 1, 100, 1, 1}, false},
		{"10.0.0.1", NetworkId{10, 0, 0, 1, 1, 1}, false},
		{"not-an-ip", NetworkId{}, true},
		{"", NetworkId{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NetworkIdFromIP(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NetworkIdFromIP(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("NetworkIdFromIP(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{NetId: NetworkId{10, 0, 0, 2, 1, 1}, Port: PortIO}
	want := "10.0.0.2.1.1:300"
	if got := e.String(); got != want {
		t.Errorf("Endpoint.String() = %q, want %q", got, want)
	}
}
