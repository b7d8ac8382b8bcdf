package service

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriter_Write(t *testing.T) {
	out := bytes.NewBuffer(nil)
	w := newPrefixWriter(out, "feature-tests")

	n, err := w.Write([]byte("first line of the output\n"))
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = w.Write([]byte("second line of the output\n"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)

	expected := "{feature-tests} first line of the output\n" +
		"{feature-tests} second line of the output\n"
	assert.Equal(t, expected, out.String())
}

func TestPrefixWriter_WritePartialLine(t *testing.T) {
	out := bytes.NewBuffer(nil)
	w := newPrefixWriter(out, "g")

	_, err := w.Write([]byte("no trailing newline"))
	require.NoError(t, err)
	assert.Equal(t, "{g} no trailing newline", out.String())
}

func TestPrefixWriter_LongGroupName(t *testing.T) {
	out := bytes.NewBuffer(nil)
	w := newPrefixWriter(out, "a-very-long-group-name-well-past-the-limit")

	_, err := w.Write([]byte("x\n"))
	require.NoError(t, err)
	assert.Equal(t, "{a-very-long-group-name-w...} x\n", out.String())
}
