package kmsg

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	tests := []struct {
		record string
		want   uint64
		ok     bool
	}{
		{record: "6,1234,5678901,-;usb 1-1: new device\n", want: 1234, ok: true},
		{record: "4,7,0,c,more=fields;text\n", want: 7, ok: true},
		{record: " SUBSYSTEM=usb\n", ok: false},
		{record: "6,x,1,-;bad\n", ok: false},
	}
	for _, tt := range tests {
		got, ok := Sequence([]byte(tt.record))
		assert.Equal(t, tt.ok, ok, tt.record)
		assert.Equal(t, tt.want, got, tt.record)
	}
}

func TestDrainRegularFile(t *testing.T) {
	// A regular file returns everything in one read and then EOF, which is
	// enough to exercise copying and termination.
	path := filepath.Join(t.TempDir(), "kmsg")
	require.NoError(t, os.WriteFile(path, []byte("6,1,0,-;hello\n"), 0o644))

	r, err := open(path, false)
	require.NoError(t, err)
	defer r.Close()

	var out bytes.Buffer
	n, err := r.Drain(&out)
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, "6,1,0,-;hello\n", out.String())

	// Same sequence number again is dropped.
	r2, err := open(path, false)
	require.NoError(t, err)
	defer r2.Close()
	r2.lastSeq, r2.haveSeq = 1, true
	out.Reset()
	n, err = r2.Drain(&out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
