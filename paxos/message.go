// Package paxos implements the single-decree Paxos state machine: the wire
// codec for the five message kinds and the acceptor/proposer/learner roles
// that cooperate over one Instance.
package paxos

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrFraming marks a malformed wire line or an unknown message kind.
var ErrFraming = errors.New("paxos: framing error")

// Kind identifies one of the five Paxos message shapes.
type Kind string

const (
	Prepare       Kind = "PREPARE"
	Promise       Kind = "PROMISE"
	AcceptRequest Kind = "ACCEPT_REQUEST"
	Accepted      Kind = "ACCEPTED"
	Learn         Kind = "LEARN"
)

// ProposalNumber is the totally-ordered (counter, ordinal) pair that
// uniquely identifies a proposal attempt across the cluster.
type ProposalNumber struct {
	Counter int
	Ordinal int
}

// Zero reports whether n is the Go zero value. An absent proposal number
// is represented elsewhere in this package by a nil *ProposalNumber, not
// by the zero value.
func (n ProposalNumber) Zero() bool {
	return n.Counter == 0 && n.Ordinal == 0
}

// String renders the wire form "counter.ordinal".
func (n ProposalNumber) String() string {
	return fmt.Sprintf("%d.%d", n.Counter, n.Ordinal)
}

// ParseProposalNumber parses the "counter.ordinal" wire form.
func ParseProposalNumber(s string) (ProposalNumber, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return ProposalNumber{}, fmt.Errorf("paxos: malformed proposal number %q: %w", s, ErrFraming)
	}
	counter, err := strconv.Atoi(parts[0])
	if err != nil {
		return ProposalNumber{}, fmt.Errorf("paxos: malformed proposal number %q: %w", s, ErrFraming)
	}
	ordinal, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProposalNumber{}, fmt.Errorf("paxos: malformed proposal number %q: %w", s, ErrFraming)
	}
	return ProposalNumber{Counter: counter, Ordinal: ordinal}, nil
}

// ValidPeerID reports whether s matches the peer identity format M<k>
// (§3), a positive integer suffix.
func ValidPeerID(s string) bool {
	if len(s) < 2 || s[0] != 'M' {
		return false
	}
	n, err := strconv.Atoi(s[1:])
	return err == nil && n > 0
}

// PeerOrdinal extracts the numeric suffix of a peer identifier of the form
// M<k>, used to seed the peer_ordinal of every proposal number that peer
// originates (§3).
func PeerOrdinal(peerID string) (int, error) {
	if !ValidPeerID(peerID) {
		return 0, fmt.Errorf("paxos: invalid peer id %q: %w", peerID, ErrFraming)
	}
	return strconv.Atoi(peerID[1:])
}

// Compare implements the total order on ProposalNumber: counter first, then
// ordinal. It falls back to byte-wise comparison of the two wire forms if
// either side fails to parse, so it remains total even on defensive input.
func Compare(a, b string) int {
	pa, errA := ParseProposalNumber(a)
	pb, errB := ParseProposalNumber(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	if pa.Counter != pb.Counter {
		if pa.Counter < pb.Counter {
			return -1
		}
		return 1
	}
	if pa.Ordinal != pb.Ordinal {
		if pa.Ordinal < pb.Ordinal {
			return -1
		}
		return 1
	}
	return 0
}

// CompareNumbers compares two ProposalNumber values directly.
func CompareNumbers(a, b ProposalNumber) int {
	if a.Counter != b.Counter {
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	}
	if a.Ordinal != b.Ordinal {
		if a.Ordinal < b.Ordinal {
			return -1
		}
		return 1
	}
	return 0
}

// Message is the tagged record shared by all five Paxos message kinds.
// PriorNumber/PriorValue are populated only on PROMISE messages carrying a
// prior acceptance (the 6-field wire form).
type Message struct {
	Kind        Kind
	Sender      string
	Number      ProposalNumber
	Value       *string
	PriorNumber *ProposalNumber
	PriorValue  *string
}

func validKind(k string) (Kind, bool) {
	switch Kind(k) {
	case Prepare, Promise, AcceptRequest, Accepted, Learn:
		return Kind(k), true
	default:
		return "", false
	}
}

// Encode renders m as the colon-delimited wire form described in §4.1:
// KIND:SENDER:NUMBER:VALUE[:PRIOR_NUMBER:PRIOR_VALUE]
func Encode(m Message) string {
	value := ""
	if m.Value != nil {
		value = *m.Value
	}
	fields := []string{string(m.Kind), m.Sender, m.Number.String(), value}
	if m.PriorNumber != nil || m.PriorValue != nil {
		priorNumber := ""
		if m.PriorNumber != nil {
			priorNumber = m.PriorNumber.String()
		}
		priorValue := ""
		if m.PriorValue != nil {
			priorValue = *m.PriorValue
		}
		fields = append(fields, priorNumber, priorValue)
	}
	return strings.Join(fields, ":")
}

// Decode parses the colon-delimited wire form back into a Message. Decode
// accepts exactly 4 or 6 fields; anything else, or an unknown KIND, is a
// framing error.
func Decode(line string) (Message, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 && len(fields) != 6 {
		return Message{}, fmt.Errorf("paxos: expected 4 or 6 fields, got %d: %w", len(fields), ErrFraming)
	}
	kind, ok := validKind(fields[0])
	if !ok {
		return Message{}, fmt.Errorf("paxos: unknown kind %q: %w", fields[0], ErrFraming)
	}
	number, err := ParseProposalNumber(fields[2])
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind, Sender: fields[1], Number: number}
	if fields[3] != "" {
		v := fields[3]
		m.Value = &v
	}
	if len(fields) == 6 {
		if fields[4] != "" {
			pn, err := ParseProposalNumber(fields[4])
			if err != nil {
				return Message{}, err
			}
			m.PriorNumber = &pn
		}
		if fields[5] != "" {
			pv := fields[5]
			m.PriorValue = &pv
		}
	}
	return m, nil
}
