package replay

import (
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"docforge/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	writes []string
	fail   error
}

func (r *recorder) sink(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.writes = append(r.writes, prefix)
	return nil
}

func (r *recorder) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func newReplayer(rec *recorder) *Replayer {
	return New(time.Millisecond, rec.sink, logger.NewNopLogger())
}

// assertContiguous checks every write adds exactly one character.
func assertContiguous(t *testing.T, from string, writes []string) {
	t.Helper()
	prev := from
	for _, w := range writes {
		require.Equal(t, utf8.RuneCountInString(prev)+1, utf8.RuneCountInString(w), "write %q after %q", w, prev)
		require.True(t, len(w) > len(prev) && w[:len(prev)] == prev, "write %q does not extend %q", w, prev)
		prev = w
	}
}

func TestStartCaughtUpIsNoop(t *testing.T) {
	rec := &recorder{}
	r := newReplayer(rec)

	assert.False(t, r.Start("Hello", 5))
	assert.False(t, r.Start("Hello", 42))
	assert.False(t, r.Start("", 0))
	assert.False(t, r.Active())
	assert.Empty(t, rec.Writes())
}

func TestStartRevealsEveryCharacterOnce(t *testing.T) {
	rec := &recorder{}
	r := newReplayer(rec)
	text := "Héllo, 世界!"

	require.True(t, r.Start(text, 0))
	assert.True(t, r.Caret())
	r.Wait()

	writes := rec.Writes()
	require.Len(t, writes, utf8.RuneCountInString(text))
	assertContiguous(t, "", writes)
	assert.Equal(t, text, writes[len(writes)-1])
	assert.False(t, r.Caret())
}

func TestStartResumesFromOffset(t *testing.T) {
	rec := &recorder{}
	r := newReplayer(rec)

	require.True(t, r.Start("Hello, World!", 3))
	r.Wait()

	writes := rec.Writes()
	assert.Equal(t, "Hell", writes[0])
	assertContiguous(t, "Hel", writes)
	assert.Equal(t, "Hello, World!", writes[len(writes)-1])
}

func TestNegativeOffsetStartsAtZero(t *testing.T) {
	rec := &recorder{}
	r := newReplayer(rec)

	require.True(t, r.Start("ab", -4))
	r.Wait()
	assert.Equal(t, []string{"a", "ab"}, rec.Writes())
}

func TestSecondStartIsCoalesced(t *testing.T) {
	rec := &recorder{}
	r := New(20*time.Millisecond, rec.sink, logger.NewNopLogger())

	require.True(t, r.Start("abcdef", 0))
	assert.False(t, r.Start("abcdef", 0))
	r.Stop()
}

func TestExtendContinuesWithoutRestart(t *testing.T) {
	rec := &recorder{}
	r := New(5*time.Millisecond, rec.sink, logger.NewNopLogger())

	require.True(t, r.Start("Hello", 0))
	assert.False(t, r.Extend("Jello, World!"), "not an extension")
	assert.False(t, r.Extend("Hel"), "shorter")
	require.True(t, r.Extend("Hello, World!"))
	r.Wait()

	writes := rec.Writes()
	assertContiguous(t, "", writes)
	assert.Equal(t, "Hello, World!", writes[len(writes)-1])
	assert.False(t, r.Extend("Hello, World!!"), "nothing running")
}

func TestCompleteOverridesAnimation(t *testing.T) {
	rec := &recorder{}
	r := New(50*time.Millisecond, rec.sink, logger.NewNopLogger())

	require.True(t, r.Start("Hello, World!", 3))
	require.NoError(t, r.Complete("Hello, World!"))
	assert.False(t, r.Active())

	writes := rec.Writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, "Hello, World!", writes[len(writes)-1])

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, writes, rec.Writes(), "no ticks after completion")
}

func TestStopWritesNothingMore(t *testing.T) {
	rec := &recorder{}
	r := New(50*time.Millisecond, rec.sink, logger.NewNopLogger())

	require.True(t, r.Start("Hello, World!", 0))
	r.Stop()
	before := rec.Writes()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, before, rec.Writes())
	assert.False(t, r.Caret())

	// A stopped replayer can start again from where the caller left off.
	require.True(t, r.Start("Hello, World!", len(before)))
	r.Stop()
}

func TestSinkErrorAbortsReplay(t *testing.T) {
	rec := &recorder{fail: errors.New("rejected")}
	r := newReplayer(rec)

	require.True(t, r.Start("Hello", 0))
	r.Wait()
	assert.False(t, r.Active())
	assert.Empty(t, rec.Writes())
}

func TestDefaultInterval(t *testing.T) {
	r := New(0, func(string) error { return nil }, logger.NewNopLogger())
	assert.Equal(t, DefaultInterval, r.interval)
}
