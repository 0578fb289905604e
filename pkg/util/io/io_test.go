package io

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizeTest struct {
	reader io.Reader
	len    int64
	isErr  bool
}

var (
	br        = bytes.NewReader([]byte("12345"))
	sizeTests = []sizeTest{
		{br, 5, false},
		{strings.NewReader("123"), 3, false},
		{bytes.NewBufferString("1234"), 4, false},
		{nil, 0, true},
	}
)

func TestTryGetSize(t *testing.T) {
	for _, v := range sizeTests {
		res, err := TryGetSize(v.reader)
		assert.Equal(t, v.len, res, fmt.Sprintf("output len %d not equal to expected %d", res, v.len))
		assert.Equal(t, v.isErr, err != nil, "output err is not valid")
	}
}

func TestReadAllLimit(t *testing.T) {
	b, err := ReadAllLimit(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(b))

	_, err = ReadAllLimit(strings.NewReader("123456"), 5)
	assert.True(t, errors.Is(err, ErrTooLarge))

	b, err = ReadAllLimit(strings.NewReader("123456"), 0)
	require.NoError(t, err)
	assert.Len(t, b, 6)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType("acme/run.json"))
	assert.Equal(t, "application/xml", ContentType("acme/run.XML"))
	assert.Equal(t, "application/octet-stream", ContentType("acme/run"))
}
