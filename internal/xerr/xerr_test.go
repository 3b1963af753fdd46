package xerr

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func TestPrefix(t *testing.T) {
	err := Prefix(errTest, "reading %s", "settings.toml")
	require.Equal(t, "test error: reading settings.toml", err.Error())
	require.True(t, errors.Is(err, errTest))
	require.False(t, errors.Is(err, io.EOF))
}

func TestWrap(t *testing.T) {
	err := Wrap(errTest, io.ErrUnexpectedEOF)
	require.Equal(t, "test error: unexpected EOF", err.Error())
	require.True(t, errors.Is(err, errTest))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.False(t, errors.Is(err, os.ErrNotExist))

	// Is matches errors wrapping the first error too.
	err = Wrap(Prefix(errTest, "detail"), io.EOF)
	require.True(t, errors.Is(err, errTest))
}
