package ext2

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestMinRecLen(t *testing.T) {
	tests := []struct {
		nameLen int
		want    int
	}{
		{0, 8},
		{1, 12},
		{3, 12},
		{4, 12},
		{5, 16},
		{8, 16},
		{254, 264},
		{255, 264},
	}
	for _, tt := range tests {
		if got := minRecLen(tt.nameLen); got != tt.want {
			t.Errorf("minRecLen(%d) = %d, want %d", tt.nameLen, got, tt.want)
		}
	}
}

func TestDecodeDirent(t *testing.T) {
	valid := func() []byte {
		b := make([]byte, 64)
		direntSetInode(b, 0, 17)
		direntSetRecLen(b, 0, 16)
		direntSetName(b, 0, "hello")
		direntSetInode(b, 16, 3)
		direntSetRecLen(b, 16, 48)
		direntSetName(b, 16, "x")
		return b
	}

	t.Run("valid", func(t *testing.T) {
		de, err := decodeDirent(valid(), 0)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if de.inode != 17 || de.recLen != 16 || de.nameLen != 5 || string(de.name) != "hello" {
			t.Errorf("decoded %+v", de)
		}
	})

	tests := []struct {
		name    string
		mangle  func(b []byte)
		wantSub string
	}{
		{
			name:    "zero record length",
			mangle:  func(b []byte) { direntSetRecLen(b, 0, 0) },
			wantSub: "zero length",
		},
		{
			name:    "unaligned record length",
			mangle:  func(b []byte) { direntSetRecLen(b, 0, 18) },
			wantSub: "unaligned",
		},
		{
			name:    "record overruns block",
			mangle:  func(b []byte) { direntSetRecLen(b, 16, 64) },
			wantSub: "overruns",
		},
		{
			name:    "name length exceeds maximum",
			mangle:  func(b []byte) { binary.LittleEndian.PutUint16(b[6:8], 300) },
			wantSub: "name length",
		},
		{
			name:    "record too small for name",
			mangle:  func(b []byte) { binary.LittleEndian.PutUint16(b[6:8], 12) },
			wantSub: "cannot hold",
		},
		{
			name:    "NUL in name",
			mangle:  func(b []byte) { b[direntHeaderLength+2] = 0 },
			wantSub: "NUL",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid()
			tt.mangle(b)
			off := 0
			if tt.name == "record overruns block" {
				off = 16
			}
			_, err := decodeDirent(b, off)
			if err == nil {
				t.Fatal("decode succeeded on mangled entry")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}
