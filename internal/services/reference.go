package services

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// ReferenceAlphabet leaves out 0, 1, I, L and O, which read ambiguously.
	ReferenceAlphabet     = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	ReferenceSuffixLength = 10
	referenceDateLayout   = "060102"
)

var (
	referencePrefix = regexp.MustCompile(`^[A-Z]{1,6}$`)
	// referenceShape matches references under any prefix, retired ones included.
	referenceShape = regexp.MustCompile(fmt.Sprintf(`^[A-Z]{1,6}-\d{6}-[%s]{%d}$`,
		ReferenceAlphabet, ReferenceSuffixLength))
)

// ReferenceGenerator issues references like BK-240601-7QK3M9XTRA. The suffix
// carries about 49 bits of entropy per day.
type ReferenceGenerator struct {
	prefix string
	now    func() time.Time

	mu     sync.Mutex
	random io.Reader
	max    *big.Int
}

func NewReferenceGenerator(prefix string) *ReferenceGenerator {
	return NewReferenceGeneratorWithSource(prefix, rand.Reader, time.Now)
}

// NewReferenceGeneratorWithSource uses random and now in place of crypto/rand
// and the wall clock.
func NewReferenceGeneratorWithSource(prefix string, random io.Reader, now func() time.Time) *ReferenceGenerator {
	return &ReferenceGenerator{
		prefix: prefix,
		now:    now,
		random: random,
		max:    big.NewInt(int64(len(ReferenceAlphabet))),
	}
}

func (g *ReferenceGenerator) Generate() (string, error) {
	var sb strings.Builder
	sb.Grow(len(g.prefix) + 8 + ReferenceSuffixLength)
	sb.WriteString(g.prefix)
	sb.WriteByte('-')
	sb.WriteString(g.now().UTC().Format(referenceDateLayout))
	sb.WriteByte('-')

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < ReferenceSuffixLength; i++ {
		n, err := rand.Int(g.random, g.max)
		if err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		sb.WriteByte(ReferenceAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Valid reports whether ref has the shape of a booking reference under any
// prefix.
func (g *ReferenceGenerator) Valid(ref string) bool {
	return referenceShape.MatchString(ref)
}
