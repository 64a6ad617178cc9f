package realmfs

import "testing"

func TestParseMountpointFilename(t *testing.T) {
	cases := []struct {
		path     string
		wantName string
		wantTag  string
		wantErr  bool
	}{
		{"/run/citadel/realmfs/realmfs-main-abcdef0123456789.mountpoint", "main", "abcdef0123456789", false},
		{"/run/citadel/realmfs/realmfs-my-dashed-name-abcdef0123456789.mountpoint", "my-dashed-name", "abcdef0123456789", false},
		{"/run/citadel/realmfs/realmfs-main.mountpoint", "", "", true},
		{"/run/citadel/realmfs/notarealmfs-main-tag.mountpoint", "", "", true},
		{"/run/citadel/realmfs/realmfs-main-tag.txt", "", "", true},
	}

	for _, c := range cases {
		name, tag, err := parseMountpointFilename(c.path)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseMountpointFilename(%q): expected error, got name=%q tag=%q", c.path, name, tag)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMountpointFilename(%q): unexpected error: %v", c.path, err)
			continue
		}
		if name != c.wantName || tag != c.wantTag {
			t.Errorf("parseMountpointFilename(%q) = (%q, %q), want (%q, %q)", c.path, name, tag, c.wantName, c.wantTag)
		}
	}
}

func TestNewMountpointRoundTrip(t *testing.T) {
	mp := NewMountpoint("my-dashed-name", "0123456789abcdef")
	name, tag, err := mp.RealmFSField()
	if err != nil {
		t.Fatalf("RealmFSField: %v", err)
	}
	if name != "my-dashed-name" || tag != "0123456789abcdef" {
		t.Fatalf("got (%q, %q)", name, tag)
	}
}

func TestMountpointEqual(t *testing.T) {
	a := NewMountpoint("main", "tag1")
	b := NewMountpoint("main", "tag1")
	c := NewMountpoint("main", "tag2")

	if !a.Equal(b) {
		t.Error("expected equal mountpoints to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected different-tag mountpoints to compare unequal")
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid(NewMountpoint("main", "tag1").Path()) {
		t.Error("expected canonical mountpoint path to be valid")
	}
	if IsValid("/tmp/realmfs-main-tag1.mountpoint") {
		t.Error("expected path outside RunDirectory to be invalid")
	}
}
