package slug

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || !errors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

func TestGenerate(t *testing.T) {
	require.Greater(t, len(wordlist), 512)

	known := map[string]bool{}
	for _, w := range wordlist {
		known[w] = true
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := Generate(nil)
		require.NoError(t, err)
		words := strings.Split(s, Separator)
		if len(words) != Words || !known[words[0]] || !known[words[1]] {
			t.Fatalf("bad slug %q", s)
		}
		seen[s] = true
	}
	require.Greater(t, len(seen), 90, "slugs should rarely repeat")

	a, err := Generate(bytes.NewReader(make([]byte, 64)))
	require.NoError(t, err)
	b, err := Generate(bytes.NewReader(make([]byte, 64)))
	require.NoError(t, err)
	require.Equal(t, a, b, "same randomness, same slug")
	require.Equal(t, wordlist[0]+Separator+wordlist[0], a)

	_, err = Generate(bytes.NewReader(nil))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	const token = "harbor-quill"
	require.True(t, Verify(token, token))
	require.False(t, Verify("", token))
	require.False(t, Verify(token+"x", token))

	for i := 0; i < len(token); i++ {
		for bit := 0; bit < 8; bit++ {
			buf := []byte(token)
			buf[i] ^= 1 << uint(bit)
			require.False(t, Verify(string(buf), token), "flipped bit %d of byte %d", bit, i)
		}
	}
}

// TestVerifyTiming compares the time taken for candidates that differ from the
// expected token at the first, middle and last byte. With a comparison that
// returns early, the first would be consistently faster.
func TestVerifyTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	expected := strings.Repeat("a", 4096)
	var candidates []string
	for _, pos := range []int{0, len(expected) / 2, len(expected) - 1} {
		buf := []byte(expected)
		buf[pos] = 'b'
		candidates = append(candidates, string(buf))
	}

	measure := func(candidate string) time.Duration {
		const rounds, batch = 31, 200
		samples := make([]time.Duration, rounds)
		for r := range samples {
			start := time.Now()
			for i := 0; i < batch; i++ {
				if Verify(candidate, expected) {
					t.Fatalf("unexpected match")
				}
			}
			samples[r] = time.Since(start)
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[rounds/2]
	}

	var min, max time.Duration
	for _, c := range candidates {
		d := measure(c)
		if min == 0 || d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	if max > 3*min {
		t.Fatalf("verification time depends on mismatch position: min %s, max %s", min, max)
	}
}

func TestGuard(t *testing.T) {
	var lockouts int32
	locked := make(chan struct{})
	g := NewGuard("harbor-quill", 3, func() {
		atomic.AddInt32(&lockouts, 1)
		close(locked)
	})

	check(t, g.Check("wrong"), ErrNotFound, "first failure")
	check(t, g.Check("wrong"), ErrNotFound, "second failure")
	check(t, g.Check("harbor-quill"), nil, "correct slug resets counter")
	require.Equal(t, 0, g.Failures())

	check(t, g.Check("wrong"), ErrNotFound, "failure 1")
	check(t, g.Check("wrong"), ErrNotFound, "failure 2")
	check(t, g.Check("wrong"), ErrLockout, "failure 3 locks")
	<-locked
	require.True(t, g.Locked())

	check(t, g.Check("harbor-quill"), ErrLockout, "correct slug after lockout")
	check(t, g.Check("wrong"), ErrLockout, "wrong slug after lockout")
	require.Equal(t, int32(1), atomic.LoadInt32(&lockouts))
	require.Equal(t, int64(8), g.Checks())
}

func TestGuardTotal(t *testing.T) {
	locked := make(chan struct{})
	g := NewGuard("harbor-quill", 3, func() { close(locked) })

	// Successful checks in between do not allow unlimited guesses.
	for i := 0; i < 7; i++ {
		check(t, g.Check("wrong"), ErrNotFound, "guess")
		check(t, g.Check("wrong"), ErrNotFound, "guess")
		check(t, g.Check("harbor-quill"), nil, "legitimate request")
	}
	require.Equal(t, 0, g.Failures())
	require.Equal(t, 14, g.TotalFailures())
	check(t, g.Check("wrong"), ErrLockout, "total reached")
	<-locked
	check(t, g.Check("harbor-quill"), ErrLockout, "correct slug after lockout")
}

func TestGuardConcurrent(t *testing.T) {
	var lockouts int32
	done := make(chan struct{})
	g := NewGuard("harbor-quill", 0, func() {
		atomic.AddInt32(&lockouts, 1)
		close(done)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				g.Check("wrong")
			}
		}()
	}
	wg.Wait()
	<-done
	require.True(t, g.Locked())
	require.Equal(t, int32(1), atomic.LoadInt32(&lockouts))
	require.Equal(t, DefaultThreshold, g.Failures())
}

func TestValid(t *testing.T) {
	s, err := Generate(nil)
	require.NoError(t, err)
	require.True(t, Valid(s))
	require.True(t, Valid("abc123"))
	for _, bad := range []string{"", "-abc", "abc-", "Abc", "a/b", "a b", strings.Repeat("a", 129)} {
		require.False(t, Valid(bad), "%q", bad)
	}
}
