package security

import "testing"

func TestValidateString_Basics(t *testing.T) {
	lim := DefaultLimits()
	if err := ValidateString("ok", "hello", lim); err != nil {
		t.Fatal(err)
	}
	if err := ValidateString("nul", "a\x00b", lim); err == nil {
		t.Fatal("expected NUL reject")
	}
	if err := ValidateString("nonprint", "a\u0007b", lim); err == nil {
		t.Fatal("expected control char reject")
	}
	if err := ValidateString("badutf8", string([]byte{0xff, 0xfe, 0xfd}), lim); err == nil {
		t.Fatal("expected invalid UTF-8 reject")
	}
}

func TestIsValidName(t *testing.T) {
	valid := []string{"a", "main", "apt-cacher", "Realm1-foo", "a23456789012345678901234567890123456789"}
	for _, name := range valid {
		if !IsValidName(name, MaxNameLen) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{
		"",
		"1realm",
		"-realm",
		"re alm",
		"realm_name",
		"a2345678901234567890123456789012345678901",
		"réalm",
	}
	for _, name := range invalid {
		if IsValidName(name, MaxNameLen) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}
