package paftp

import (
	"reflect"
	"testing"
)

func TestCapabilitiesRequestCodec(t *testing.T) {
	req := CapabilitiesRequest{
		Mtu:        1500,
		WindowSize: 5,
	}
	req.SetSupportedProtocolVersion(0, 4)
	req.SetSupportedProtocolVersion(1, 3)

	data := req.Encode()
	if len(data) != CapabilitiesRequestLength {
		t.Fatalf("encoded request is %d instead of %d bytes", len(data), CapabilitiesRequestLength)
	}

	req2, err := DecodeCapabilitiesRequest(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(req, req2) {
		t.Fatalf("requests differ: %v, %v", req, req2)
	}

	if v := req2.SupportedProtocolVersion(0); v != 4 {
		t.Fatalf("version at index 0 is %d", v)
	}
	if v := req2.SupportedProtocolVersion(1); v != 3 {
		t.Fatalf("version at index 1 is %d", v)
	}
	if v := req2.SupportedProtocolVersion(2); v != ProtocolVersionNone {
		t.Fatalf("version at index 2 is %d", v)
	}
}

func TestCapabilitiesRequestDecodeInvalid(t *testing.T) {
	data := CapabilitiesRequest{Mtu: 244, WindowSize: 4}.Encode()

	// Mangle the magic preamble.
	data[3] ^= 0xff

	if _, err := DecodeCapabilitiesRequest(data); err == nil {
		t.Fatal("mangled magic was not detected")
	}

	if _, err := DecodeCapabilitiesRequest(data[:4]); err == nil {
		t.Fatal("short request was not detected")
	}
}

func TestCapabilitiesResponseCodec(t *testing.T) {
	resp := CapabilitiesResponse{
		SelectedProtocolVersion: 4,
		FragmentSize:            244,
		WindowSize:              5,
	}

	data := resp.Encode()
	if len(data) != CapabilitiesResponseLength {
		t.Fatalf("encoded response is %d instead of %d bytes", len(data), CapabilitiesResponseLength)
	}

	resp2, err := DecodeCapabilitiesResponse(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(resp, resp2) {
		t.Fatalf("responses differ: %v, %v", resp, resp2)
	}
}

func TestHighestSupportedProtocolVersion(t *testing.T) {
	tests := []struct {
		name     string
		versions []uint8
		selected uint8
	}{
		{"exact match", []uint8{4}, 4},
		{"mixed", []uint8{4, 3, 2, 1}, 4},
		{"unordered", []uint8{2, 4}, 4},
		{"none", []uint8{1, 2}, ProtocolVersionNone},
		{"too new", []uint8{9}, ProtocolVersionNone},
		{"empty", nil, ProtocolVersionNone},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var req CapabilitiesRequest
			for i, version := range test.versions {
				req.SetSupportedProtocolVersion(i, version)
			}

			if selected := HighestSupportedProtocolVersion(req); selected != test.selected {
				t.Fatalf("selected version %d, expected %d", selected, test.selected)
			}
		})
	}
}
