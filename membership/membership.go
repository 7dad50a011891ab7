// Package membership loads the static membership file described in §6: a
// UTF-8 text file, one peer per line, comments and blank lines ignored.
package membership

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"paxosnet/netsim"
	"paxosnet/paxos"
	"paxosnet/transport"
)

// Entry is one parsed membership line, its profile already defaulted to
// STANDARD when the line gives none.
type Entry struct {
	PeerID  string
	Host    string
	Port    int
	Profile netsim.Profile
}

// LoadFile parses path per §6's "Static membership file" contract:
// `peer_id,host,port[,profile]`, `#`-prefixed comments and blank lines
// ignored, profile case-insensitive and defaulting to STANDARD.
//
// Validation failures are config errors: fatal on startup per §7.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("membership: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	seenPorts := make(map[int]bool)
	seenIDs := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 && len(fields) != 4 {
			return nil, fmt.Errorf("membership: %s:%d: expected 3 or 4 fields, got %d", path, lineNo, len(fields))
		}
		peerID := strings.TrimSpace(fields[0])
		if !paxos.ValidPeerID(peerID) {
			return nil, fmt.Errorf("membership: %s:%d: invalid peer id %q, want M<positive int>", path, lineNo, peerID)
		}
		host := strings.TrimSpace(fields[1])
		port, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("membership: %s:%d: invalid port %q: %w", path, lineNo, fields[2], err)
		}
		profile := netsim.Standard
		if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
			profile = netsim.ParseProfile(strings.TrimSpace(fields[3]))
		}

		if seenIDs[peerID] {
			return nil, fmt.Errorf("membership: %s:%d: duplicate peer id %q", path, lineNo, peerID)
		}
		if seenPorts[port] {
			return nil, fmt.Errorf("membership: %s:%d: duplicate port %d", path, lineNo, port)
		}
		seenIDs[peerID] = true
		seenPorts[port] = true

		entries = append(entries, Entry{PeerID: peerID, Host: host, Port: port, Profile: profile})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("membership: read %s: %w", path, err)
	}
	if len(entries) < 3 {
		return nil, fmt.Errorf("membership: %s: need at least 3 members, got %d", path, len(entries))
	}
	return entries, nil
}

// Ordinal returns the numeric suffix of a peer id, used to seed the
// peer_ordinal of every proposal number this peer originates (§3).
func Ordinal(peerID string) (int, error) {
	return paxos.PeerOrdinal(peerID)
}

// Directory converts parsed entries into a transport.Directory.
func Directory(entries []Entry) transport.Directory {
	dir := make(transport.Directory, len(entries))
	for _, e := range entries {
		dir[e.PeerID] = transport.PeerAddr{Host: e.Host, Port: e.Port, Profile: string(e.Profile)}
	}
	return dir
}

// ProfileFor looks up the configured profile for a peer id, defaulting to
// STANDARD if unknown.
func ProfileFor(entries []Entry, peerID string) netsim.Profile {
	for _, e := range entries {
		if e.PeerID == peerID {
			return e.Profile
		}
	}
	return netsim.Standard
}
