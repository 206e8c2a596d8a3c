package discovery

import (
	"reflect"
	"testing"
)

func TestAnnouncementCodec(t *testing.T) {
	announcements := []Announcement{
		{Type: UDPNAN, Instance: 23, Port: 35040},
		{Type: QUICDG, Instance: 23, Port: 35041},
	}

	data, err := MarshalAnnouncements(announcements)
	if err != nil {
		t.Fatal(err)
	}

	announcements2, err := UnmarshalAnnouncements(data)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(announcements, announcements2) {
		t.Fatalf("announcements differ: %v, %v", announcements, announcements2)
	}
}

func TestAnnouncementCodecEmpty(t *testing.T) {
	data, err := MarshalAnnouncements(nil)
	if err != nil {
		t.Fatal(err)
	}

	announcements, err := UnmarshalAnnouncements(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(announcements) != 0 {
		t.Fatalf("expected no announcements, got %v", announcements)
	}
}

func TestAnnouncementCodecGarbage(t *testing.T) {
	if _, err := UnmarshalAnnouncements([]byte{0xff, 0x00, 0x23}); err == nil {
		t.Fatal("garbage did not error")
	}
}
