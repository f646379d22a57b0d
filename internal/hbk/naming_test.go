package hbk

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNewArtifactID(t *testing.T) {
	at := time.Date(2020, 6, 5, 13, 34, 40, 0, time.UTC)

	tests := []struct {
		token   string
		want    ArtifactID
		payload string
		key     string
	}{
		{"", "2020-06-05-133440", "backup.2020-06-05-133440.tar.e", "backup.2020-06-05-133440.aes.key.e"},
		{"a1b2c3", "2020-06-05-133440-a1b2c3", "backup.2020-06-05-133440-a1b2c3.tar.e", "backup.2020-06-05-133440-a1b2c3.aes.key.e"},
	}
	for _, tt := range tests {
		id := NewArtifactID(at, tt.token)
		if id != tt.want {
			t.Errorf("NewArtifactID(%q) = %q, want %q", tt.token, id, tt.want)
		}
		if got := id.PayloadName(); got != tt.payload {
			t.Errorf("PayloadName() = %q, want %q", got, tt.payload)
		}
		if got := id.KeyName(); got != tt.key {
			t.Errorf("KeyName() = %q, want %q", got, tt.key)
		}
		if !id.Valid() {
			t.Errorf("%q.Valid() = false", id)
		}
		parsed, err := id.Time(time.UTC)
		if err != nil || !parsed.Equal(at) {
			t.Errorf("Time() = %v, %v, want %v", parsed, err, at)
		}
	}
}

func TestArtifactID_Valid(t *testing.T) {
	tests := []struct {
		id   ArtifactID
		want bool
	}{
		{"2024-01-15-103000", true},
		{"2024-01-15-103000-00ff", true},
		{"2024-01-15-103000-", false},
		{"2024-01-15-103000-XYZ", false},
		{"2024-01-15-103000x", false},
		{"2024-13-15-103000", false},
		{"2024-01-15", false},
		{"", false},
		{"../../etc/passwd", false},
	}
	for _, tt := range tests {
		if got := tt.id.Valid(); got != tt.want {
			t.Errorf("%q.Valid() = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParseArtifactName(t *testing.T) {
	tests := []struct {
		name     string
		wantID   ArtifactID
		wantPart ArtifactPart
		wantOK   bool
	}{
		{"backup.2024-01-15-103000.tar.e", "2024-01-15-103000", PartPayload, true},
		{"backup.2024-01-15-103000.aes.key.e", "2024-01-15-103000", PartKey, true},
		{"backup.2024-01-15-103000-abc123.tar.e", "2024-01-15-103000-abc123", PartPayload, true},
		{"backup.2024-01-15-103000.tar", "", 0, false},
		{"backup.notadate.tar.e", "", 0, false},
		{"restore.2024-01-15-103000.tar.e", "", 0, false},
		{"backup..tar.e", "", 0, false},
		{".hbk-000001.payload.tmp", "", 0, false},
		{"notes.txt", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, part, ok := ParseArtifactName(tt.name)
			if ok != tt.wantOK || id != tt.wantID || part != tt.wantPart {
				t.Errorf("ParseArtifactName(%q) = (%q, %v, %v), want (%q, %v, %v)",
					tt.name, id, part, ok, tt.wantID, tt.wantPart, tt.wantOK)
			}
		})
	}
}

func TestKeyPathForPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		wantErr bool
	}{
		{"backup.2020-06-05-133440.tar.e", "backup.2020-06-05-133440.aes.key.e", false},
		{"/srv/backups/backup.2020-06-05-133440.tar.e", "/srv/backups/backup.2020-06-05-133440.aes.key.e", false},
		{"/tmp/custom.tar.e", "/tmp/custom.aes.key.e", false},
		{"/tmp/backup.tar", "", true},
		{"/tmp/.tar.e", "", true},
	}
	for _, tt := range tests {
		got, err := KeyPathForPayload(tt.payload)
		if (err != nil) != tt.wantErr {
			t.Errorf("KeyPathForPayload(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			continue
		}
		if got != filepath.Clean(tt.want) && !tt.wantErr {
			t.Errorf("KeyPathForPayload(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestPrivateKeyPathForPublic(t *testing.T) {
	tests := []struct {
		public  string
		want    string
		wantErr bool
	}{
		{"/etc/hbk/keys/hbk.pub", "/etc/hbk/keys/hbk", false},
		{"keys/backup.pem", "keys/backup", false},
		{"/etc/hbk/keys/hbk", "", true},
		{"/etc/hbk/keys/.pub", "", true},
	}
	for _, tt := range tests {
		got, err := PrivateKeyPathForPublic(tt.public)
		if (err != nil) != tt.wantErr {
			t.Errorf("PrivateKeyPathForPublic(%q) error = %v, wantErr %v", tt.public, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("PrivateKeyPathForPublic(%q) = %q, want %q", tt.public, got, tt.want)
		}
	}
}

func TestArtifactPart_String(t *testing.T) {
	if PartPayload.String() != "payload" || PartKey.String() != "key" || ArtifactPart(0).String() != "unknown" {
		t.Error("ArtifactPart.String() returned unexpected names")
	}
}
