package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewFake()

	require.NoError(t, store.Put(ctx, "batches/b1/upload_abc", bytes.NewReader([]byte("line1\nline2\n"))))

	r, err := store.Get(ctx, "batches/b1/upload_abc")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))

	keys, err := store.List(ctx, "batches/b1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"batches/b1/upload_abc"}, keys)

	require.NoError(t, store.Delete(ctx, "batches/b1/upload_abc"))
	_, err = store.Get(ctx, "batches/b1/upload_abc")
	assert.Error(t, err)
}

func TestKeyShape(t *testing.T) {
	assert.Equal(t, "batches/batch-1/upload_u1", Key("batch-1", "upload", "u1"))
}
