package streamquery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for query fingerprints. The version suffix enables future
// algorithm migration without colliding with keys written by older builds.
const fingerprintDomain = "disintegrate/stream-query/v1"

// Key returns the canonical textual form of the query. Two queries with equal
// normalized forms produce byte-identical keys across processes and versions,
// so compatible queries share snapshots across deploys.
//
// The encoding is deliberately simple:
//
//	branch  := "(" types "|" filter ")"
//	types   := tag ("," tag)*
//	filter  := "" | eq | and | or
//	eq      := "eq(" ident "=" value ")"
//	and     := "and(" filter ("," filter)* ")"
//	or      := "or(" filter ("," filter)* ")"
//
// Strings are NFC normalized and %-escaped so that delimiter characters in
// identifier values cannot forge a different structure.
func (q Query) Key() string {
	var sb strings.Builder
	for _, b := range q.branches {
		sb.WriteString(encodeBranch(b))
	}
	return sb.String()
}

// Fingerprint returns the hex SHA-256 of the canonical key with domain
// separation: a fixed-length identifier of the query's normalized form.
// Snapshot backends key on Key, not on Fingerprint.
func (q Query) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00}) // separator prevents domain/key boundary ambiguity
	h.Write([]byte(q.Key()))
	return hex.EncodeToString(h.Sum(nil))
}

func encodeBranch(b Branch) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, t := range b.Types {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(escape(t))
	}
	sb.WriteByte('|')
	sb.WriteString(encodeFilter(b.Filter))
	sb.WriteByte(')')
	return sb.String()
}

func encodeFilter(f Filter) string {
	switch f := f.(type) {
	case nil:
		return ""
	case Eq:
		return "eq(" + escape(f.Ident) + "=" + escape(f.Value) + ")"
	case And:
		return encodeOperands("and", f.Operands)
	case Or:
		return encodeOperands("or", f.Operands)
	default:
		return ""
	}
}

func encodeOperands(op string, operands []Filter) string {
	var sb strings.Builder
	sb.WriteString(op)
	sb.WriteByte('(')
	for i, operand := range operands {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(encodeFilter(operand))
	}
	sb.WriteByte(')')
	return sb.String()
}

// escape NFC-normalizes s and %-escapes the structural characters of the
// canonical encoding.
func escape(s string) string {
	s = norm.NFC.String(s)
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '%', '(', ')', '|', ',', '=':
			sb.WriteByte('%')
			sb.WriteString(hex.EncodeToString([]byte(string(r))))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
