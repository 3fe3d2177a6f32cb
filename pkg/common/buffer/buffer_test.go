package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRespectsCapacity(t *testing.T) {
	b := New(8)

	require.NoError(t, b.Append([]byte("12345")))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 3, b.Available())

	assert.ErrorIs(t, b.Append([]byte("6789")), ErrFull)
	assert.Equal(t, "12345", string(b.Bytes()), "failed append must not modify the buffer")

	require.NoError(t, b.Append([]byte("678")))
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, 8, b.Cap())
}

func TestConsumeShiftsRemainder(t *testing.T) {
	b := New(16)
	require.NoError(t, b.Append([]byte("0123456789")))

	// A write that accepted 3 of 10 bytes.
	b.Consume(3)
	assert.Equal(t, "3456789", string(b.Bytes()))
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, 9, b.Available())

	b.Consume(0)
	assert.Equal(t, "3456789", string(b.Bytes()))

	b.Consume(100)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 16, b.Available())
}

func TestExtendAndCommit(t *testing.T) {
	b := New(4)

	p := b.Extend(3)
	require.Len(t, p, 3)
	copy(p, "abc")
	assert.Equal(t, "abc", string(b.Bytes()))
	assert.Nil(t, b.Extend(2))

	b.Reset()
	tail := b.Tail()
	assert.Equal(t, 0, len(tail))
	assert.Equal(t, 4, cap(tail))
	tail = append(tail, 'x', 'y')
	b.Commit(len(tail))
	assert.Equal(t, "xy", string(b.Bytes()))
}
