package session

import (
	"regexp"
	"strings"
	"testing"
)

func TestValidateDeviceName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"", false},
		{"a", true},
		{strings.Repeat("a", 15), true},
		{strings.Repeat("a", 16), false},
		{"my_device1", true},
		{"has-a-dash", false},
		{"has a space", false},
		{"café", false},
	}
	for _, c := range cases {
		err := ValidateDeviceName(c.name)
		if got := err == nil; got != c.want {
			t.Errorf("ValidateDeviceName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRequestResponseKeysAreInverse(t *testing.T) {
	id := NewID()
	reqKey := RequestKey("@alice", "@bob", id, "laptop")
	respKey := ResponseKey("@bob", "@alice", id, "laptop")

	wantReq := "@alice:" + string(id) + ".laptop.sshnp@bob"
	wantResp := "@bob:" + string(id) + ".laptop.sshnp@alice"
	if reqKey != wantReq {
		t.Errorf("RequestKey = %q, want %q", reqKey, wantReq)
	}
	if respKey != wantResp {
		t.Errorf("ResponseKey = %q, want %q", respKey, wantResp)
	}
	if reqKey == respKey {
		t.Error("request and response keys must never collide")
	}
}

func TestSubscriptionPatternMatchesRequestKey(t *testing.T) {
	pattern := SubscriptionPattern("laptop", "@bob")
	re := regexp.MustCompile(pattern)

	key := RequestKey("@alice", "@bob", NewID(), "laptop")
	if !re.MatchString(key) {
		t.Errorf("pattern %q does not match request key %q", pattern, key)
	}

	other := RequestKey("@alice", "@bob", NewID(), "desktop")
	if re.MatchString(other) {
		t.Errorf("pattern %q incorrectly matches a different device's key %q", pattern, other)
	}
}

func TestRvdRequestKeyRoundTrip(t *testing.T) {
	key := RvdRequestKey("@rvd", "@alice", "laptop")
	wantKey := "@rvd:laptop.sshrvd@alice"
	if key != wantKey {
		t.Fatalf("RvdRequestKey = %q, want %q", key, wantKey)
	}

	device, client, err := ParseRvdRequestKey(key)
	if err != nil {
		t.Fatalf("ParseRvdRequestKey: %s", err)
	}
	if device != "laptop" || client != "@alice" {
		t.Errorf("ParseRvdRequestKey = (%q, %q), want (laptop, @alice)", device, client)
	}
}

func TestParseRvdRequestKeyRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"no-colon-here",
		"@rvd:missing-namespace",
		"@rvd:.sshrvd@alice",
		"@rvd:laptop.sshrvd",
	}
	for _, key := range cases {
		if _, _, err := ParseRvdRequestKey(key); err == nil {
			t.Errorf("ParseRvdRequestKey(%q) unexpectedly succeeded", key)
		}
	}
}

func TestRvdSubscriptionPatternMatchesOwnRequestsOnly(t *testing.T) {
	pattern := RvdSubscriptionPattern("@rvd")
	re := regexp.MustCompile(pattern)

	own := RvdRequestKey("@rvd", "@alice", "laptop")
	if !re.MatchString(own) {
		t.Errorf("pattern %q does not match own request key %q", pattern, own)
	}

	other := RvdRequestKey("@otherrvd", "@alice", "laptop")
	if re.MatchString(other) {
		t.Errorf("pattern %q incorrectly matches another relay's key %q", pattern, other)
	}
}

func TestRvdReplyKeyIsRequestKeySuffixed(t *testing.T) {
	req := RvdRequestKey("@rvd", "@alice", "laptop")
	reply := RvdReplyKey(req)
	if reply != req+"-reply" {
		t.Errorf("RvdReplyKey(%q) = %q, want %q", req, reply, req+"-reply")
	}
}

func TestDeviceInfoAndHeartbeatKeysAreWildcardAddressed(t *testing.T) {
	info := DeviceInfoKey("@bob", "laptop")
	heartbeat := HeartbeatKey("@bob", "laptop")
	if !strings.HasPrefix(info, "*:device_info.") {
		t.Errorf("DeviceInfoKey = %q, want a *: prefixed key", info)
	}
	if !strings.HasPrefix(heartbeat, "*:heartbeat.") {
		t.Errorf("HeartbeatKey = %q, want a *: prefixed key", heartbeat)
	}
}

func TestResponseDiscriminateNormalizesUnknownStatus(t *testing.T) {
	r := Response{Status: Status("something-new")}
	if got := r.Discriminate(); got != StatusUnsupported {
		t.Errorf("Discriminate() = %q, want %q", got, StatusUnsupported)
	}
	r.Status = StatusOK
	if got := r.Discriminate(); got != StatusOK {
		t.Errorf("Discriminate() = %q, want %q", got, StatusOK)
	}
}

func TestDeviceInfoHasFeature(t *testing.T) {
	d := DeviceInfo{SupportedFeatures: []string{"direct", "reverse"}}
	if !d.HasFeature("direct") {
		t.Error("HasFeature(direct) = false, want true")
	}
	if d.HasFeature("socks") {
		t.Error("HasFeature(socks) = true, want false")
	}
}
