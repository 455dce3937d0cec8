package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := parseConfig(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if c.Arch != "" || c.NotificationAddress != 0 || c.RedZone != nil || c.Log {
		t.Fatalf("default config should leave every option unset: %#v", c)
	}
}

func TestParseConfig(t *testing.T) {
	c, err := parseConfig(strings.NewReader(`
arch: "386"
notification-address: 0x8049f10
red-zone: 0
log: true
log-output: fncall,stops
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Arch != "386" {
		t.Errorf("arch: %q", c.Arch)
	}
	if c.NotificationAddress != 0x8049f10 {
		t.Errorf("notification-address: %#x", c.NotificationAddress)
	}
	if c.RedZone == nil || *c.RedZone != 0 {
		t.Errorf("red-zone: %v", c.RedZone)
	}
	if !c.Log || c.LogOutput != "fncall,stops" {
		t.Errorf("log: %v %q", c.Log, c.LogOutput)
	}
}

func TestParseConfigError(t *testing.T) {
	if _, err := parseConfig(strings.NewReader("arch: [")); err == nil {
		t.Fatal("expected error decoding malformed config")
	}
}
