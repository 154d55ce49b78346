package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	m, err := NewSCOTC(smallModelConfig(5))
	require.NoError(t, err)
	// Move the weights away from their seeded initialisation.
	for _, p := range m.Parameters() {
		for i := range p.data {
			p.data[i] += 0.25
		}
	}

	path := filepath.Join(dir, "model.bin")
	require.NoError(t, m.Save(ctx, path))
	loaded, err := LoadSCOTC(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, m.Config(), loaded.Config())
	want, got := m.Parameters(), loaded.Parameters()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Shape(), got[i].Shape())
		assert.Equal(t, want[i].Data(), got[i].Data())
	}

	x := NewTensorUniform(testRNG(), 1, 3, 5)
	z, _, _ := m.Encode(x, testRNG())
	assert.Equal(t, m.Decode(z).Data(), loaded.Decode(z).Data())
}

func TestCheckpointRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1<<30)))
	_, err := readSCOTC(&buf)
	assert.Error(t, err)

	buf.Reset()
	header := []byte(`{"input_dim": 5}`)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(header))))
	buf.Write(header)
	// Valid header but latent_dim 0 fails validation.
	_, err = readSCOTC(&buf)
	assert.Error(t, err)

	m, err := NewSCOTC(smallModelConfig(5))
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, m.write(&buf))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-8])
	_, err = readSCOTC(truncated)
	assert.Error(t, err)

	_, err = LoadSCOTC(context.Background(), "/nonexistent/model.bin")
	assert.Error(t, err)
}
