// Package pathselect picks the relays an OP circuit is built through.
//
// Spec §1 Non-goals explicitly exclude "directory consensus" and
// "guard-node selection heuristics" — there is no voting, no bandwidth
// weighting, and no persistent guard relay. What is kept from the teacher
// (math/big/crypto/rand unbiased selection, same-/16-subnet diversity) is
// the mechanical part of path selection that has nothing to do with
// consensus or guards: picking three distinct relays off the directory's
// flat descriptor list. Grounded on teacher pathselect/pathselect.go's
// weightedRandom and subnet16 helpers, stripped of consensus flags and
// bandwidth weights.
package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/veilrelay/veilrelay/descriptor"
)

// Path is a 3-hop sequence of relays an OP circuit will be built through.
type Path struct {
	Hops [3]descriptor.RelayDescriptor
}

// SelectPath picks three distinct relays from the directory's relay list,
// preferring that no two share the same /16 subnet when the pool allows it.
func SelectPath(relays []descriptor.RelayDescriptor) (*Path, error) {
	if len(relays) < 3 {
		return nil, fmt.Errorf("need at least 3 relays to build a circuit, directory has %d", len(relays))
	}

	pool := append([]descriptor.RelayDescriptor(nil), relays...)
	var chosen []descriptor.RelayDescriptor
	var usedSubnets []string

	for len(chosen) < 3 {
		idx, err := uniformRandom(len(pool))
		if err != nil {
			return nil, err
		}
		candidate := pool[idx]
		subnet := subnet16(candidate.Socket)

		if subnetTaken(usedSubnets, subnet) && hasDiverseCandidate(pool, usedSubnets) && len(pool)-1 >= 3-len(chosen) {
			// Skip this candidate in favor of subnet diversity, but don't
			// loop forever if the pool is small and homogeneous.
			pool = append(pool[:idx], pool[idx+1:]...)
			if len(pool) == 0 {
				return nil, fmt.Errorf("exhausted relay pool selecting a diverse path")
			}
			continue
		}

		chosen = append(chosen, candidate)
		usedSubnets = append(usedSubnets, subnet)
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return &Path{Hops: [3]descriptor.RelayDescriptor{chosen[0], chosen[1], chosen[2]}}, nil
}

func hasDiverseCandidate(pool []descriptor.RelayDescriptor, used []string) bool {
	for _, r := range pool {
		if !subnetTaken(used, subnet16(r.Socket)) {
			return true
		}
	}
	return false
}

func subnetTaken(used []string, subnet string) bool {
	if subnet == "" {
		return false
	}
	for _, u := range used {
		if u == subnet {
			return true
		}
	}
	return false
}

// subnet16 returns the /16 prefix of a "host:port" relay socket address.
func subnet16(socket string) string {
	host, _, ok := strings.Cut(socket, ":")
	if !ok {
		host = socket
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// uniformRandom returns an unbiased random index in [0, n) using crypto/rand.
func uniformRandom(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("empty candidate pool")
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(idx.Int64()), nil
}
