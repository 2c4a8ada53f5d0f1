package northio

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n{\"a\":1}\n\n{\"b\":2}\n"))

	line, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	line, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))

	_, err = r.Read()
	assert.ErrorIs(t, err, ErrNoMoreMessages)
}

func TestReaderStripsTrailingCR(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\r\n"))
	line, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineBytes+10)
	r := NewReader(strings.NewReader(huge + "\n"))
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReaderEOFWithNoPendingData(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrNoMoreMessages)
}

func TestWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write([]byte(`{"x":1}`)))
	assert.Equal(t, "{\"x\":1}\n", buf.String())
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	var buf safeBuffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Write([]byte(`{"a":1}`))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 50)
	for _, l := range lines {
		assert.Equal(t, `{"a":1}`, l)
	}
}

// safeBuffer lets the concurrency test observe output without racing on
// the underlying bytes.Buffer from the test goroutine's own reads.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
