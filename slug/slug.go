// Package slug generates and checks the capability token ("slug") that is part
// of every URL of a non-public session.
package slug

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
)

const (
	// Words is the number of words in a generated slug.
	Words = 2

	// Separator joins the words of a slug.
	Separator = "-"

	// DefaultThreshold is the number of consecutive failed checks after which a
	// Guard locks.
	DefaultThreshold = 20

	// TotalFactor times the threshold is the number of failed checks in total,
	// consecutive or not, after which a Guard locks.
	TotalFactor = 5
)

var (
	// ErrNotFound is returned by Guard.Check for a wrong slug. Request handlers
	// respond with the same 404 as for a path that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockout is returned by Guard.Check after too many consecutive failures.
	ErrLockout = errors.New("too many failed slug checks")
)

//go:embed wordlist.txt
var wordlistText string

var wordlist = strings.Fields(wordlistText)

// Generate returns a new slug of Words random words from the wordlist, like
// "harbor-quill". If rand is nil, crypto/rand is used.
func Generate(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	words := make([]string, Words)
	for i := range words {
		n, err := uniform(r, uint32(len(wordlist)))
		if err != nil {
			return "", err
		}
		words[i] = wordlist[n]
	}
	return strings.Join(words, Separator), nil
}

// uniform returns a number in [0, n) without modulo bias.
func uniform(r io.Reader, n uint32) (uint32, error) {
	limit := ^uint32(0) - ^uint32(0)%n
	var buf [4]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v < limit {
			return v % n, nil
		}
	}
}

// Valid returns whether s can be used as a slug: 1 to 128 lowercase letters,
// digits or separators, not starting or ending with a separator.
func Valid(s string) bool {
	if s == "" || len(s) > 128 || strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

// Verify returns whether candidate equals expected. The time taken does not
// depend on the contents of either: both are hashed to a fixed length before a
// constant time comparison.
func Verify(candidate, expected string) bool {
	c := sha256.Sum256([]byte(candidate))
	e := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(c[:], e[:]) == 1
}

// Guard checks slugs for all requests of a session, and locks after threshold
// consecutive failures, or TotalFactor*threshold failures in total. Once locked,
// every check fails. It is safe for concurrent use.
type Guard struct {
	expected  string
	threshold int
	onLockout func()

	mu       sync.Mutex
	failures int // Consecutive.
	total    int
	checks   int64
	locked   bool
}

// NewGuard returns a guard for expected. A threshold <= 0 means
// DefaultThreshold. OnLockout, if not nil, is called once, in its own goroutine,
// when the guard locks.
func NewGuard(expected string, threshold int, onLockout func()) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Guard{expected: expected, threshold: threshold, onLockout: onLockout}
}

// Check verifies candidate. It returns nil on a match, ErrNotFound on a
// mismatch and ErrLockout once the guard has locked. A match resets the
// consecutive failure counter, not the total.
func (g *Guard) Check(candidate string) error {
	ok := Verify(candidate, g.expected)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks++
	if g.locked {
		return ErrLockout
	}
	if ok {
		g.failures = 0
		return nil
	}
	g.failures++
	g.total++
	if g.failures < g.threshold && g.total < TotalFactor*g.threshold {
		return ErrNotFound
	}
	g.locked = true
	if g.onLockout != nil {
		go g.onLockout()
	}
	return ErrLockout
}

// Locked returns whether the guard has locked.
func (g *Guard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Failures returns the current number of consecutive failures.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// TotalFailures returns the number of failed checks since the guard was created.
func (g *Guard) TotalFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Checks returns the number of checks performed, successful or not.
func (g *Guard) Checks() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks
}
